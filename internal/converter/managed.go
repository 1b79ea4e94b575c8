package converter

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/mediaconvert"
	"github.com/aws/aws-sdk-go-v2/service/mediaconvert/types"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/multi-downloader/internal/storage"
)

const (
	managedAudioSelector = "Audio Selector 1"
	managedOutputExt     = "mp4"
	// MetadataMergedFormatID は変換ジョブに付与し、完了イベントで返ってくるメタデータのキーです。
	MetadataMergedFormatID = "mergedFormatId"
)

// JobSubmitter は変換ジョブを投入します。*mediaconvert.Client が満たします。
type JobSubmitter interface {
	CreateJob(ctx context.Context, params *mediaconvert.CreateJobInput, optFns ...func(*mediaconvert.Options)) (*mediaconvert.CreateJobOutput, error)
}

// NewMediaConvertClient は既定の認証情報チェーンで MediaConvert クライアントを作成します。
func NewMediaConvertClient(ctx context.Context, region, endpoint string) (*mediaconvert.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return mediaconvert.NewFromConfig(cfg, func(o *mediaconvert.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// ManagedServiceCombiner は入力をS3へ置き、変換をマネージドサービスに委ねます。
// 完了はイベントで通知されるため Combine は Pending を返します。
type ManagedServiceCombiner struct {
	storage   storage.Storage
	bucket    string
	roleARN   string
	submitter JobSubmitter
}

// NewManagedServiceCombiner は ManagedServiceCombiner を作成します。
func NewManagedServiceCombiner(st storage.Storage, bucket, roleARN string, submitter JobSubmitter) (*ManagedServiceCombiner, error) {
	if st == nil || submitter == nil {
		return nil, errors.New("storage and job submitter are required")
	}
	if bucket == "" || roleARN == "" {
		return nil, errors.New("bucket and role arn are required")
	}
	return &ManagedServiceCombiner{storage: st, bucket: bucket, roleARN: roleARN, submitter: submitter}, nil
}

func (m *ManagedServiceCombiner) Combine(ctx context.Context, c Conversion) (*Outcome, error) {
	var audioInput, videoInput string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		loc, err := m.upload(gctx, c.inputKey(c.AudioExt), c.Audio)
		audioInput = loc
		return err
	})
	g.Go(func() error {
		// 音声と拡張子が同じ場合に上書きしないよう映像側はキーを分ける。
		loc, err := m.upload(gctx, c.inputKey("video."+c.VideoExt), c.Video)
		videoInput = loc
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, conversionError(err)
	}

	input := m.jobInput(c.MergedFormatID, audioInput, videoInput, m.destination(c))
	if _, err := m.submitter.CreateJob(ctx, input); err != nil {
		return nil, conversionError(fmt.Errorf("create conversion job: %w", err))
	}
	return &Outcome{Location: m.OutputLocation(c), Pending: true}, nil
}

// OutputLocation は変換サービスが書き出す成果物の位置です。
func (m *ManagedServiceCombiner) OutputLocation(c Conversion) string {
	return m.destination(c) + "." + managedOutputExt
}

// destination は拡張子なしの出力先です。拡張子はサービス側が付けます。
func (m *ManagedServiceCombiner) destination(c Conversion) string {
	return storage.S3URI(m.bucket, fmt.Sprintf("%s/output/%s-%s", c.JobID, c.Title, c.MergedFormatID))
}

func (m *ManagedServiceCombiner) upload(ctx context.Context, key string, body io.Reader) (string, error) {
	if body == nil {
		return "", fmt.Errorf("no input stream for %s", key)
	}
	return m.storage.Upload(ctx, key, body, "")
}

func (m *ManagedServiceCombiner) jobInput(mergedFormatID, audioInput, videoInput, destination string) *mediaconvert.CreateJobInput {
	return &mediaconvert.CreateJobInput{
		Role:         aws.String(m.roleARN),
		UserMetadata: map[string]string{MetadataMergedFormatID: mergedFormatID},
		Settings: &types.JobSettings{
			Inputs: []types.Input{
				{
					FileInput:      aws.String(audioInput),
					AudioSelectors: map[string]types.AudioSelector{},
					VideoSelector:  &types.VideoSelector{},
				},
				{
					FileInput: aws.String(videoInput),
					AudioSelectors: map[string]types.AudioSelector{
						managedAudioSelector: {DefaultSelection: types.AudioDefaultSelectionDefault},
					},
				},
			},
			OutputGroups: []types.OutputGroup{
				{
					Name: aws.String("File Group"),
					OutputGroupSettings: &types.OutputGroupSettings{
						Type: types.OutputGroupTypeFileGroupSettings,
						FileGroupSettings: &types.FileGroupSettings{
							Destination: aws.String(destination),
						},
					},
					Outputs: []types.Output{
						{
							ContainerSettings: &types.ContainerSettings{
								Container: types.ContainerTypeMp4,
							},
							VideoDescription: &types.VideoDescription{
								CodecSettings: &types.VideoCodecSettings{
									Codec: types.VideoCodecH264,
								},
							},
							AudioDescriptions: []types.AudioDescription{
								{
									AudioSourceName: aws.String(managedAudioSelector),
									CodecSettings: &types.AudioCodecSettings{
										Codec: types.AudioCodecAac,
									},
								},
							},
						},
					},
				},
			},
		},
	}
}
