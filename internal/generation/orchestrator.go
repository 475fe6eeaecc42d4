package generation

import (
	"context"
	"errors"
	"fmt"
	"log"

	"origami_catalog/internal/model"
	"origami_catalog/internal/prompt"
	"origami_catalog/internal/provider"
	"origami_catalog/internal/store"
)

// Pipeline stages, used as error stage tags
const (
	StageValidate = "validate"
	StageLookup   = "lookup"
	StageProvider = "provider"
	StageFetch    = "fetch"
	StageStore    = "store"
	StageCommit   = "commit"
)

// ImageFetcher downloads a remote image
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Notifier receives a short summary of external failures
type Notifier interface {
	NotifyFailure(ctx context.Context, message string)
}

// PromptBuilder turns figure fields into an image prompt
type PromptBuilder func(name, description string, tier model.DifficultyTier) string

// CommitFunc persists a freshly stored image. If it fails the stored object is removed.
type CommitFunc func(ctx context.Context, localURL string) error

type Orchestrator struct {
	buildPrompt PromptBuilder
	provider    provider.ImageProvider
	fetcher     ImageFetcher
	images      store.ImageStore
	figures     store.FigureStorage
	notifier    Notifier
}

type Option func(*Orchestrator)

func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

func WithPromptBuilder(b PromptBuilder) Option {
	return func(o *Orchestrator) { o.buildPrompt = b }
}

func NewOrchestrator(p provider.ImageProvider, f ImageFetcher, images store.ImageStore, figures store.FigureStorage, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		buildPrompt: prompt.Build,
		provider:    p,
		fetcher:     f,
		images:      images,
		figures:     figures,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// GenerateForNew produces an image for a figure that is not persisted yet.
// The caller stores the returned local URL with the new row.
func (o *Orchestrator) GenerateForNew(ctx context.Context, name, description string, tier model.DifficultyTier) (*model.GenerationResult, error) {
	if err := model.ValidateFields(name, description, tier); err != nil {
		return nil, model.WithStage(err, StageValidate)
	}

	return o.Generate(ctx, model.GenerationRequest{
		Name:        name,
		Description: description,
		Tier:        tier,
	}, nil)
}

// GenerateForExisting regenerates the image of a stored figure and attaches it.
// A missing figure fails before any external call. The previous image is
// removed once the new one is committed.
func (o *Orchestrator) GenerateForExisting(ctx context.Context, id string) (*model.GenerationResult, error) {
	fig, err := o.figures.Get(ctx, id)
	if err != nil {
		return nil, model.WithStage(err, StageLookup)
	}

	var previous string
	commit := func(ctx context.Context, localURL string) error {
		prev, err := o.figures.SetImageURL(ctx, fig.ID, localURL)
		if err != nil {
			return err
		}
		previous = prev
		return nil
	}

	result, err := o.Generate(ctx, model.GenerationRequest{
		Name:           fig.Name,
		Description:    fig.Description,
		Tier:           fig.Tier,
		TargetFigureID: fig.ID,
	}, commit)
	if err != nil {
		return nil, err
	}

	if previous != "" && previous != result.LocalURL {
		if err := o.images.Delete(ctx, previous); err != nil {
			log.Printf("[Generation] 旧画像の削除に失敗しました (figure=%s): %v", fig.ID, err)
		}
	}
	return result, nil
}

// Generate runs prompt -> provider -> fetch -> store in order. Each stage
// starts only after the previous one succeeded.
func (o *Orchestrator) Generate(ctx context.Context, req model.GenerationRequest, onStored CommitFunc) (*model.GenerationResult, error) {
	p := o.buildPrompt(req.Name, req.Description, req.Tier)

	remote, err := o.provider.Generate(ctx, p)
	if err != nil {
		return nil, o.fail(ctx, req, StageProvider, model.KindProvider, err)
	}

	data, err := o.fetcher.Fetch(ctx, remote.URL)
	if err != nil {
		return nil, o.fail(ctx, req, StageFetch, model.KindFetch, err)
	}

	localURL, err := o.images.Save(ctx, data)
	if err != nil {
		return nil, o.fail(ctx, req, StageStore, model.KindStorage, err)
	}

	if onStored != nil {
		if err := onStored(ctx, localURL); err != nil {
			// コミット失敗時は保存済みオブジェクトを残さない
			if delErr := o.images.Delete(context.WithoutCancel(ctx), localURL); delErr != nil {
				log.Printf("[Generation] 未コミット画像の削除に失敗しました: %v", delErr)
			}
			return nil, o.fail(ctx, req, StageCommit, model.KindStorage, err)
		}
	}

	log.Printf("[Generation] 画像生成完了: name=%q tier=%s url=%s", req.Name, req.Tier, localURL)
	return &model.GenerationResult{
		LocalURL:  localURL,
		RemoteURL: remote.URL,
	}, nil
}

// fail tags err with its stage. Untyped errors get the stage's kind.
func (o *Orchestrator) fail(ctx context.Context, req model.GenerationRequest, stage string, kind model.ErrorKind, err error) error {
	var typed *model.Error
	if errors.As(err, &typed) {
		err = model.WithStage(err, stage)
	} else {
		err = &model.Error{Kind: kind, Stage: stage, Message: "stage failed", Err: err}
	}

	log.Printf("[Generation] %s ステージで失敗しました (name=%q): %v", stage, req.Name, err)

	// 見つからない・入力不正はユーザー起因なので通知しない
	switch model.KindOf(err) {
	case model.KindProvider, model.KindFetch, model.KindStorage:
		if o.notifier != nil {
			msg := fmt.Sprintf("画像生成失敗 [%s/%s] figure=%q target=%s", stage, model.KindOf(err), req.Name, req.TargetFigureID)
			o.notifier.NotifyFailure(ctx, msg)
		}
	}
	return err
}
