// Package admission は同時実行枠に基づいて待機中の作業単位をキューへ昇格させます。
//
// 実行中件数はストアの状態列から毎回数え直します。ロックは取らず、各遷移は条件付き更新で行うため、
// 競合した呼び出しの数だけ一時的に上限を超えることがありますが、次の AdmitOne で収束します。
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yourusername/multi-downloader/internal/media"
	"github.com/yourusername/multi-downloader/internal/queue"
	"github.com/yourusername/multi-downloader/internal/store"
)

// maxPromotionRaces は AdmitOne が競合や投入失敗のあとに次の候補を試す回数の上限です。
const maxPromotionRaces = 3

// Dispatcher はキューへの投入口です。
type Dispatcher interface {
	EnqueueOne(ctx context.Context, kind media.UnitKind, id string) error
	EnqueueBatch(ctx context.Context, kind media.UnitKind, ids []string) queue.Result
}

// Options は Controller の設定です。
type Options struct {
	MaxConcurrent    int
	DispatchAttempts int
	Logger           *slog.Logger
}

// Controller は同時実行枠の上限を守りながら作業単位を昇格・投入します。
type Controller struct {
	store            store.Store
	dispatcher       Dispatcher
	maxConcurrent    int
	dispatchAttempts int
	logger           *slog.Logger
}

// Result は Admit の結果です。
type Result struct {
	Queued  []string `json:"queued"`
	Waiting []string `json:"waiting"`
	Failed  []string `json:"failed"`
}

// New は Controller を作成します。
func New(st store.Store, d Dispatcher, opts Options) (*Controller, error) {
	if st == nil {
		return nil, errors.New("store is nil")
	}
	if d == nil {
		return nil, errors.New("dispatcher is nil")
	}
	if opts.MaxConcurrent < 1 {
		return nil, fmt.Errorf("max concurrent must be positive: %d", opts.MaxConcurrent)
	}
	attempts := opts.DispatchAttempts
	if attempts < 1 {
		attempts = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:            st,
		dispatcher:       d,
		maxConcurrent:    opts.MaxConcurrent,
		dispatchAttempts: attempts,
		logger:           logger,
	}, nil
}

// MaxConcurrent は同時実行枠の上限を返します。
func (c *Controller) MaxConcurrent() int {
	return c.maxConcurrent
}

// CountInFlight は実行中の作業単位の件数を返します。
func (c *Controller) CountInFlight(ctx context.Context) (int, error) {
	return c.store.CountInFlight(ctx)
}

// Admit は作成順に並んだ待機中の候補を空き枠の数だけ昇格させ、キューへ投入します。
// 投入に失敗した候補はエラー状態にし、空いた枠は残りの候補に回します。
// 候補が尽きても枠が残っていれば、他の待機中の作業単位で補充します。
func (c *Controller) Admit(ctx context.Context, kind media.UnitKind, ids []string) (Result, error) {
	var res Result
	if len(ids) == 0 {
		return res, nil
	}
	inFlight, err := c.store.CountInFlight(ctx)
	if err != nil {
		return res, err
	}
	available := c.maxConcurrent - inFlight

	pending := ids
	for len(pending) > 0 && available > 0 {
		var promoted []string
		for len(pending) > 0 && len(promoted) < available {
			id := pending[0]
			pending = pending[1:]
			ok, err := c.promote(ctx, kind, id)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					c.logger.Warn("admission candidate vanished", "kind", kind, "id", id)
					continue
				}
				res.Waiting = append(res.Waiting, pending...)
				return res, err
			}
			if ok {
				promoted = append(promoted, id)
			}
		}

		succeeded, failed := c.dispatchBatch(ctx, kind, promoted)
		res.Queued = append(res.Queued, succeeded...)
		res.Failed = append(res.Failed, failed...)
		if err := c.compensate(ctx, kind, failed); err != nil {
			res.Waiting = append(res.Waiting, pending...)
			return res, err
		}
		available -= len(succeeded)
	}
	res.Waiting = append(res.Waiting, pending...)

	if len(res.Failed) > 0 && len(pending) == 0 && available > 0 {
		if _, err := c.Backfill(ctx); err != nil {
			c.logger.Error("backfill after dispatch failure failed", "kind", kind, "err", err)
		}
	}
	return res, nil
}

// AdmitOne は空き枠があれば最も古い待機中の作業単位を1件だけ昇格させ投入します。
// 昇格した作業単位を返し、空き枠や候補がなければ nil を返します。
// 投入に失敗した作業単位はエラー状態にして、次の候補を試します。
func (c *Controller) AdmitOne(ctx context.Context) (*media.Unit, error) {
	var dispatchErr error
	for attempt := 0; attempt < maxPromotionRaces; attempt++ {
		inFlight, err := c.store.CountInFlight(ctx)
		if err != nil {
			return nil, err
		}
		if inFlight >= c.maxConcurrent {
			return nil, dispatchErr
		}
		unit, err := c.store.NextWaiting(ctx)
		if err != nil {
			return nil, err
		}
		if unit == nil {
			return nil, dispatchErr
		}
		ok, err := c.promote(ctx, unit.Kind, unit.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			// 別の呼び出しが先に昇格させた。
			continue
		}
		if err := c.dispatchOne(ctx, unit.Kind, unit.ID); err != nil {
			if cerr := c.compensate(ctx, unit.Kind, []string{unit.ID}); cerr != nil {
				return nil, cerr
			}
			dispatchErr = err
			continue
		}
		return unit, nil
	}
	return nil, dispatchErr
}

// Backfill は空き枠が埋まるか待機中の作業単位が尽きるまで AdmitOne を繰り返し、昇格させたものを返します。
func (c *Controller) Backfill(ctx context.Context) ([]media.Unit, error) {
	var admitted []media.Unit
	for i := 0; i < c.maxConcurrent; i++ {
		unit, err := c.AdmitOne(ctx)
		if err != nil {
			return admitted, err
		}
		if unit == nil {
			break
		}
		admitted = append(admitted, *unit)
	}
	return admitted, nil
}

// OnTerminal は作業単位が終端状態になったときに一度だけ呼び出され、空いた枠を補充します。
func (c *Controller) OnTerminal(ctx context.Context, kind media.UnitKind, id string) {
	unit, err := c.AdmitOne(ctx)
	if err != nil {
		c.logger.Error("backfill failed", "kind", kind, "id", id, "err", err)
		return
	}
	if unit != nil {
		c.logger.Info("backfilled slot", "kind", kind, "id", id, "promotedKind", unit.Kind, "promotedId", unit.ID)
	}
}

// UnitHandler は1件を処理し、この呼び出しで終端状態へ遷移させたかどうかを返します。
type UnitHandler func(ctx context.Context, id string) (terminal bool, err error)

// Guard は UnitHandler を包み、終端遷移のあとに必ず OnTerminal を呼びます。
// 重複配信で何もしなかった呼び出しは補充を行いません。
func (c *Controller) Guard(kind media.UnitKind, h UnitHandler) queue.Handler {
	return func(ctx context.Context, id string) error {
		terminal, err := h(ctx, id)
		if terminal {
			c.OnTerminal(context.WithoutCancel(ctx), kind, id)
		}
		return err
	}
}

func (c *Controller) promote(ctx context.Context, kind media.UnitKind, id string) (bool, error) {
	switch kind {
	case media.UnitJob:
		return c.store.TransitionJob(ctx, id,
			[]media.JobStatus{media.JobWaitingToProcess}, media.JobQueuedProcessing)
	case media.UnitMergedFormat:
		return c.store.TransitionMergedFormat(ctx, id,
			[]media.MergedFormatStatus{media.MergedWaitingToConvert}, media.MergedQueuedConverting)
	default:
		return false, fmt.Errorf("unknown unit kind: %q", kind)
	}
}

func (c *Controller) dispatchBatch(ctx context.Context, kind media.UnitKind, ids []string) (succeeded, failed []string) {
	pending := ids
	for attempt := 0; attempt < c.dispatchAttempts && len(pending) > 0; attempt++ {
		res := c.dispatcher.EnqueueBatch(ctx, kind, pending)
		succeeded = append(succeeded, res.Succeeded...)
		pending = res.Failed
	}
	return succeeded, pending
}

func (c *Controller) dispatchOne(ctx context.Context, kind media.UnitKind, id string) error {
	var err error
	for attempt := 0; attempt < c.dispatchAttempts; attempt++ {
		if err = c.dispatcher.EnqueueOne(ctx, kind, id); err == nil {
			return nil
		}
	}
	return media.NewError(media.CodeDispatchFailed, "キューへの投入に失敗しました", err)
}

// compensate は投入できなかった作業単位を queued のまま残さないようエラー状態にします。
func (c *Controller) compensate(ctx context.Context, kind media.UnitKind, ids []string) error {
	for _, id := range ids {
		var err error
		switch kind {
		case media.UnitJob:
			_, err = c.store.TransitionJob(ctx, id,
				[]media.JobStatus{media.JobQueuedProcessing}, media.JobErrorProcessing)
		case media.UnitMergedFormat:
			_, err = c.store.TransitionMergedFormat(ctx, id,
				[]media.MergedFormatStatus{media.MergedQueuedConverting}, media.MergedErrorConverting)
		}
		if err != nil {
			return fmt.Errorf("compensate %s %s: %w", kind, id, err)
		}
		c.logger.Error("dispatch failed, unit marked as error", "kind", kind, "id", id)
	}
	return nil
}
