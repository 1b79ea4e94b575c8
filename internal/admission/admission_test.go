package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/yourusername/multi-downloader/internal/media"
	"github.com/yourusername/multi-downloader/internal/queue"
	"github.com/yourusername/multi-downloader/internal/store"
)

type stubDispatcher struct {
	mu       sync.Mutex
	sent     []media.Unit
	failIDs  map[string]int
	failAll  bool
	attempts map[string]int
}

func newStubDispatcher() *stubDispatcher {
	return &stubDispatcher{failIDs: map[string]int{}, attempts: map[string]int{}}
}

func (d *stubDispatcher) EnqueueOne(_ context.Context, kind media.UnitKind, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts[id]++
	if d.failAll {
		return errors.New("queue unavailable")
	}
	if n := d.failIDs[id]; n > 0 {
		d.failIDs[id] = n - 1
		return errors.New("send failed")
	}
	d.sent = append(d.sent, media.Unit{Kind: kind, ID: id})
	return nil
}

func (d *stubDispatcher) EnqueueBatch(ctx context.Context, kind media.UnitKind, ids []string) queue.Result {
	var res queue.Result
	for _, id := range ids {
		if err := d.EnqueueOne(ctx, kind, id); err != nil {
			res.Failed = append(res.Failed, id)
			continue
		}
		res.Succeeded = append(res.Succeeded, id)
	}
	return res
}

func (d *stubDispatcher) sentIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.sent))
	for i, u := range d.sent {
		out[i] = u.ID
	}
	return out
}

func newController(t *testing.T, st store.Store, d Dispatcher, limit int) *Controller {
	t.Helper()
	c, err := New(st, d, Options{MaxConcurrent: limit, DispatchAttempts: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func createWaiting(t *testing.T, st store.Store, n int) []string {
	t.Helper()
	ctx := context.Background()
	req, err := st.CreateRequest(ctx, nil)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	in := make([]store.NewJob, n)
	for i := range in {
		in[i] = store.NewJob{URL: fmt.Sprintf("https://example.com/%d", i), Status: media.JobWaitingToProcess}
	}
	jobs, err := st.CreateJobs(ctx, req.ID, in)
	if err != nil {
		t.Fatalf("CreateJobs: %v", err)
	}
	ids := make([]string, n)
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}

func statusOf(t *testing.T, st store.Store, id string) media.JobStatus {
	t.Helper()
	job, err := st.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return job.Status
}

func TestAdmitRespectsCapacityAndBackfills(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	d := newStubDispatcher()
	c := newController(t, st, d, 2)
	ids := createWaiting(t, st, 3)

	res, err := c.Admit(ctx, media.UnitJob, ids)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if len(res.Queued) != 2 || res.Queued[0] != ids[0] || res.Queued[1] != ids[1] {
		t.Fatalf("expected first two queued in order, got %+v", res)
	}
	if len(res.Waiting) != 1 || res.Waiting[0] != ids[2] {
		t.Fatalf("expected third waiting, got %+v", res)
	}
	if got := statusOf(t, st, ids[2]); got != media.JobWaitingToProcess {
		t.Fatalf("third job status = %s", got)
	}

	// 1件が終端へ達すると、3件目が自動で昇格する。
	if _, err := st.TransitionJob(ctx, ids[0], []media.JobStatus{media.JobQueuedProcessing}, media.JobFinishedProcessing); err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}
	c.OnTerminal(ctx, media.UnitJob, ids[0])

	if got := statusOf(t, st, ids[2]); got != media.JobQueuedProcessing {
		t.Fatalf("third job was not backfilled: %s", got)
	}
	sent := d.sentIDs()
	if len(sent) != 3 || sent[2] != ids[2] {
		t.Fatalf("unexpected dispatches: %v", sent)
	}
}

func TestAdmitOneDoesNothingWhenFull(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	d := newStubDispatcher()
	c := newController(t, st, d, 1)
	ids := createWaiting(t, st, 2)

	if _, err := c.Admit(ctx, media.UnitJob, ids); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	unit, err := c.AdmitOne(ctx)
	if err != nil {
		t.Fatalf("AdmitOne: %v", err)
	}
	if unit != nil {
		t.Fatalf("expected no promotion at capacity, got %+v", unit)
	}
	if got := statusOf(t, st, ids[1]); got != media.JobWaitingToProcess {
		t.Fatalf("second job status = %s", got)
	}
}

func TestAdmitRetriesDispatchBeforeGivingUp(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	d := newStubDispatcher()
	c := newController(t, st, d, 5)
	ids := createWaiting(t, st, 2)
	d.failIDs[ids[0]] = 1
	d.failIDs[ids[1]] = 5

	res, err := c.Admit(ctx, media.UnitJob, ids)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if len(res.Queued) != 1 || res.Queued[0] != ids[0] {
		t.Fatalf("expected transient failure to be retried, got %+v", res)
	}
	if len(res.Failed) != 1 || res.Failed[0] != ids[1] {
		t.Fatalf("expected persistent failure reported, got %+v", res)
	}
	if got := statusOf(t, st, ids[1]); got != media.JobErrorProcessing {
		t.Fatalf("undispatched job must not stay queued: %s", got)
	}
	if d.attempts[ids[1]] != 2 {
		t.Fatalf("expected 2 dispatch attempts, got %d", d.attempts[ids[1]])
	}
}

func TestAdmitOneCompensatesDispatchFailure(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	d := newStubDispatcher()
	d.failAll = true
	c := newController(t, st, d, 1)
	ids := createWaiting(t, st, 1)

	unit, err := c.AdmitOne(ctx)
	if media.CodeOf(err) != media.CodeDispatchFailed {
		t.Fatalf("expected DISPATCH_FAILED, got %v", err)
	}
	if unit != nil {
		t.Fatalf("no unit should be reported as admitted: %+v", unit)
	}
	if got := statusOf(t, st, ids[0]); got != media.JobErrorProcessing {
		t.Fatalf("job status = %s", got)
	}
	n, _ := c.CountInFlight(ctx)
	if n != 0 {
		t.Fatalf("slot leaked: %d in flight", n)
	}
}

func TestGuardBackfillSkipsPastFailedDispatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	d := newStubDispatcher()
	c := newController(t, st, d, 1)
	ids := createWaiting(t, st, 3)
	if _, err := c.Admit(ctx, media.UnitJob, ids); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	d.failIDs[ids[1]] = 5

	finish := c.Guard(media.UnitJob, func(ctx context.Context, id string) (bool, error) {
		return st.TransitionJob(ctx, id, []media.JobStatus{media.JobQueuedProcessing}, media.JobFinishedProcessing)
	})
	if err := finish(ctx, ids[0]); err != nil {
		t.Fatalf("handler: %v", err)
	}

	if got := statusOf(t, st, ids[1]); got != media.JobErrorProcessing {
		t.Fatalf("undispatched job status = %s", got)
	}
	if got := statusOf(t, st, ids[2]); got != media.JobQueuedProcessing {
		t.Fatalf("next waiting job was not promoted: %s", got)
	}
	n, _ := c.CountInFlight(ctx)
	if n != 1 {
		t.Fatalf("expected freed slot to be reused, %d in flight", n)
	}
}

func TestAdmitReoffersSlotFreedByFailedDispatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	d := newStubDispatcher()
	c := newController(t, st, d, 2)
	ids := createWaiting(t, st, 3)
	d.failIDs[ids[0]] = 5

	res, err := c.Admit(ctx, media.UnitJob, ids)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if len(res.Failed) != 1 || res.Failed[0] != ids[0] {
		t.Fatalf("expected first job reported failed, got %+v", res)
	}
	if len(res.Queued) != 2 || res.Queued[0] != ids[1] || res.Queued[1] != ids[2] {
		t.Fatalf("expected remaining jobs queued in order, got %+v", res)
	}
	if len(res.Waiting) != 0 {
		t.Fatalf("no job should be left waiting, got %+v", res)
	}
}

func TestAdmitBackfillsOlderWaitingAfterFailedDispatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	d := newStubDispatcher()
	c := newController(t, st, d, 1)
	older := createWaiting(t, st, 1)
	fresh := createWaiting(t, st, 1)
	d.failIDs[fresh[0]] = 5

	res, err := c.Admit(ctx, media.UnitJob, fresh)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if len(res.Failed) != 1 || len(res.Queued) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got := statusOf(t, st, older[0]); got != media.JobQueuedProcessing {
		t.Fatalf("older waiting job was not promoted: %s", got)
	}
}

func TestBackfillFillsFreeCapacityInOrder(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	d := newStubDispatcher()
	c := newController(t, st, d, 2)
	ids := createWaiting(t, st, 3)

	units, err := c.Backfill(ctx)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if len(units) != 2 || units[0].ID != ids[0] || units[1].ID != ids[1] {
		t.Fatalf("unexpected promotions: %+v", units)
	}
	if got := statusOf(t, st, ids[2]); got != media.JobWaitingToProcess {
		t.Fatalf("third job status = %s", got)
	}
}

func TestGuardBackfillsOnlyOnTerminal(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	d := newStubDispatcher()
	c := newController(t, st, d, 1)
	ids := createWaiting(t, st, 2)
	if _, err := c.Admit(ctx, media.UnitJob, ids); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	duplicate := c.Guard(media.UnitJob, func(context.Context, string) (bool, error) {
		return false, nil
	})
	if err := duplicate(ctx, ids[0]); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got := statusOf(t, st, ids[1]); got != media.JobWaitingToProcess {
		t.Fatalf("non-terminal delivery must not backfill: %s", got)
	}

	finish := c.Guard(media.UnitJob, func(ctx context.Context, id string) (bool, error) {
		return st.TransitionJob(ctx, id, []media.JobStatus{media.JobQueuedProcessing}, media.JobErrorProcessing)
	})
	if err := finish(ctx, ids[0]); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if got := statusOf(t, st, ids[1]); got != media.JobQueuedProcessing {
		t.Fatalf("terminal transition must backfill: %s", got)
	}
}

func TestAdmitOneServesMergedFormats(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	d := newStubDispatcher()
	c := newController(t, st, d, 1)
	ids := createWaiting(t, st, 1)
	if err := st.UpdateJobStatuses(ctx, ids, media.JobFinishedProcessing); err != nil {
		t.Fatalf("UpdateJobStatuses: %v", err)
	}
	mf, _, err := st.InsertMergedFormat(ctx, media.MergedFormat{
		JobID: ids[0], VideoFormatID: "v", AudioFormatID: "a", Status: media.MergedWaitingToConvert,
	})
	if err != nil {
		t.Fatalf("InsertMergedFormat: %v", err)
	}

	unit, err := c.AdmitOne(ctx)
	if err != nil {
		t.Fatalf("AdmitOne: %v", err)
	}
	if unit == nil || unit.Kind != media.UnitMergedFormat || unit.ID != mf.ID {
		t.Fatalf("expected merged format promotion, got %+v", unit)
	}
	got, _ := st.GetMergedFormat(ctx, mf.ID)
	if got.Status != media.MergedQueuedConverting {
		t.Fatalf("merged format status = %s", got.Status)
	}
}

func TestConcurrentAdmitOneOvershootIsBounded(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	d := newStubDispatcher()
	const limit, racers = 2, 6
	c := newController(t, st, d, limit)
	createWaiting(t, st, 20)

	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.AdmitOne(ctx); err != nil {
				t.Errorf("AdmitOne: %v", err)
			}
		}()
	}
	wg.Wait()

	n, err := c.CountInFlight(ctx)
	if err != nil {
		t.Fatalf("CountInFlight: %v", err)
	}
	if n > limit+racers {
		t.Fatalf("in flight %d exceeds bound %d", n, limit+racers)
	}
	// 競合が終わった後の補充は上限を超えない。
	before := n
	if _, err := c.AdmitOne(ctx); err != nil {
		t.Fatalf("AdmitOne: %v", err)
	}
	after, _ := c.CountInFlight(ctx)
	if before >= limit && after != before {
		t.Fatalf("quiescent AdmitOne promoted past capacity: %d -> %d", before, after)
	}
}
