package generation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"origami_catalog/internal/model"
	"origami_catalog/internal/provider"
	"origami_catalog/internal/store"
)

// recorder collects the order of external calls across mocks
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type mockProvider struct {
	rec     *recorder
	err     error
	mu      sync.Mutex
	prompts []string
	counter int
}

func (m *mockProvider) Generate(ctx context.Context, prompt string) (provider.RemoteImage, error) {
	m.rec.add("provider")
	m.mu.Lock()
	m.prompts = append(m.prompts, prompt)
	m.counter++
	n := m.counter
	m.mu.Unlock()
	if m.err != nil {
		return provider.RemoteImage{}, m.err
	}
	return provider.RemoteImage{URL: fmt.Sprintf("https://images.example.com/tmp/%d.png", n)}, nil
}

type mockFetcher struct {
	rec *recorder
	err error
}

func (m *mockFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	m.rec.add("fetch")
	if m.err != nil {
		return nil, m.err
	}
	return []byte("\x89PNG" + url), nil
}

// recordingStore wraps an ImageStore to observe calls or inject failures
type recordingStore struct {
	store.ImageStore
	rec     *recorder
	saveErr error
}

func (s *recordingStore) Save(ctx context.Context, data []byte) (string, error) {
	s.rec.add("store")
	if s.saveErr != nil {
		return "", s.saveErr
	}
	return s.ImageStore.Save(ctx, data)
}

// failingFigures fails SetImageURL to exercise the commit path
type failingFigures struct {
	store.FigureStorage
}

func (f *failingFigures) SetImageURL(ctx context.Context, id, imageURL string) (string, error) {
	return "", model.NewStorageError("figures", "disk full", nil)
}

type mockNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *mockNotifier) NotifyFailure(ctx context.Context, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

type fixture struct {
	rec      *recorder
	provider *mockProvider
	fetcher  *mockFetcher
	images   *recordingStore
	local    *store.LocalImageStore
	figures  *store.MemoryFigureStore
	notifier *mockNotifier
	orch     *Orchestrator
}

func setup(t *testing.T) *fixture {
	t.Helper()
	local, err := store.NewLocalImageStore(t.TempDir(), "/storage")
	if err != nil {
		t.Fatal(err)
	}
	rec := &recorder{}
	f := &fixture{
		rec:      rec,
		provider: &mockProvider{rec: rec},
		fetcher:  &mockFetcher{rec: rec},
		images:   &recordingStore{ImageStore: local, rec: rec},
		local:    local,
		figures:  store.NewMemoryFigureStore(),
		notifier: &mockNotifier{},
	}
	f.orch = NewOrchestrator(f.provider, f.fetcher, f.images, f.figures, WithNotifier(f.notifier))
	return f
}

func (f *fixture) createFigure(t *testing.T, name string) *model.Figure {
	t.Helper()
	fig := &model.Figure{Name: name, Description: "A classic model folded from one sheet", Tier: model.TierEasy}
	if err := f.figures.Create(context.Background(), fig); err != nil {
		t.Fatal(err)
	}
	return fig
}

func TestGenerateForNew_Success(t *testing.T) {
	f := setup(t)

	res, err := f.orch.GenerateForNew(context.Background(), "Crane", "A traditional paper crane", model.TierEasy)
	if err != nil {
		t.Fatalf("GenerateForNew() error = %v", err)
	}

	want := []string{"provider", "fetch", "store"}
	if got := f.rec.list(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("call order = %v, want %v", got, want)
	}
	if !strings.HasPrefix(res.LocalURL, "/storage/origami/") {
		t.Errorf("LocalURL = %q", res.LocalURL)
	}
	if res.RemoteURL == res.LocalURL || !strings.HasPrefix(res.RemoteURL, "https://images.example.com/") {
		t.Errorf("RemoteURL = %q, LocalURL = %q", res.RemoteURL, res.LocalURL)
	}
	if ok, _ := f.local.Exists(context.Background(), res.LocalURL); !ok {
		t.Error("stored object should exist")
	}

	if len(f.provider.prompts) != 1 || !strings.Contains(f.provider.prompts[0], "minimal steps") {
		t.Errorf("unexpected prompt: %v", f.provider.prompts)
	}
	if !strings.Contains(f.provider.prompts[0], "A traditional paper crane") {
		t.Errorf("prompt should contain the description verbatim")
	}

	// 新規生成ではカタログは変更されない
	if list, _ := f.figures.List(context.Background()); len(list) != 0 {
		t.Errorf("GenerateForNew must not create rows, got %d", len(list))
	}
}

func TestGenerateForNew_Validation(t *testing.T) {
	f := setup(t)

	tests := []struct {
		name, figName, desc string
		tier                model.DifficultyTier
	}{
		{"empty name", "", "A traditional paper crane", model.TierEasy},
		{"short description", "Crane", "short", model.TierEasy},
		{"bad tier", "Crane", "A traditional paper crane", model.DifficultyTier("expert")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.GenerateForNew(context.Background(), tt.figName, tt.desc, tt.tier)
			if !model.IsKind(err, model.KindValidation) {
				t.Errorf("kind = %s, want validation", model.KindOf(err))
			}
		})
	}
	if calls := f.rec.list(); len(calls) != 0 {
		t.Errorf("no external call expected, got %v", calls)
	}
}

func TestGenerate_StageFailures(t *testing.T) {
	tests := []struct {
		name       string
		arrange    func(f *fixture)
		wantKind   model.ErrorKind
		wantStage  string
		wantCalls  []string
		wantNotify bool
	}{
		{
			name:       "provider failure stops the pipeline",
			arrange:    func(f *fixture) { f.provider.err = model.NewProviderError("provider", "rejected", nil) },
			wantKind:   model.KindProvider,
			wantStage:  StageProvider,
			wantCalls:  []string{"provider"},
			wantNotify: true,
		},
		{
			name:       "untyped provider error is classified",
			arrange:    func(f *fixture) { f.provider.err = errors.New("connection refused") },
			wantKind:   model.KindProvider,
			wantStage:  StageProvider,
			wantCalls:  []string{"provider"},
			wantNotify: true,
		},
		{
			name:       "fetch failure skips store",
			arrange:    func(f *fixture) { f.fetcher.err = model.NewFetchError("fetch", "HTTPエラー: 403", nil) },
			wantKind:   model.KindFetch,
			wantStage:  StageFetch,
			wantCalls:  []string{"provider", "fetch"},
			wantNotify: true,
		},
		{
			name:       "storage failure",
			arrange:    func(f *fixture) { f.images.saveErr = model.NewStorageError("store", "disk full", os.ErrPermission) },
			wantKind:   model.KindStorage,
			wantStage:  StageStore,
			wantCalls:  []string{"provider", "fetch", "store"},
			wantNotify: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			fig := f.createFigure(t, "Frog")
			if _, err := f.figures.SetImageURL(context.Background(), fig.ID, "/storage/origami/keep.png"); err != nil {
				t.Fatal(err)
			}
			tt.arrange(f)

			res, err := f.orch.GenerateForExisting(context.Background(), fig.ID)
			if err == nil {
				t.Fatalf("GenerateForExisting() = %+v, want error", res)
			}
			if model.KindOf(err) != tt.wantKind {
				t.Errorf("kind = %s, want %s", model.KindOf(err), tt.wantKind)
			}
			if model.StageOf(err) != tt.wantStage {
				t.Errorf("stage = %s, want %s", model.StageOf(err), tt.wantStage)
			}
			if got := f.rec.list(); strings.Join(got, ",") != strings.Join(tt.wantCalls, ",") {
				t.Errorf("calls = %v, want %v", got, tt.wantCalls)
			}

			// 失敗時は既存の画像URLが変わらない
			got, _ := f.figures.Get(context.Background(), fig.ID)
			if got.ImageURL != "/storage/origami/keep.png" {
				t.Errorf("ImageURL changed to %q", got.ImageURL)
			}
			if tt.wantNotify && len(f.notifier.messages) != 1 {
				t.Errorf("notifier got %d messages, want 1", len(f.notifier.messages))
			}
		})
	}
}

func TestGenerateForExisting_NotFoundBeforeExternalCalls(t *testing.T) {
	f := setup(t)

	_, err := f.orch.GenerateForExisting(context.Background(), "missing-id")
	if !model.IsKind(err, model.KindNotFound) {
		t.Fatalf("kind = %s, want not_found", model.KindOf(err))
	}
	if calls := f.rec.list(); len(calls) != 0 {
		t.Errorf("external calls made: %v", calls)
	}
	if len(f.notifier.messages) != 0 {
		t.Errorf("not-found should not notify")
	}
}

func TestGenerateForExisting_ReplacesImage(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	fig := f.createFigure(t, "Crane")

	first, err := f.orch.GenerateForExisting(ctx, fig.ID)
	if err != nil {
		t.Fatalf("first generation error = %v", err)
	}
	got, _ := f.figures.Get(ctx, fig.ID)
	if got.ImageURL != first.LocalURL {
		t.Errorf("ImageURL = %q, want %q", got.ImageURL, first.LocalURL)
	}

	second, err := f.orch.GenerateForExisting(ctx, fig.ID)
	if err != nil {
		t.Fatalf("second generation error = %v", err)
	}
	got, _ = f.figures.Get(ctx, fig.ID)
	if got.ImageURL != second.LocalURL {
		t.Errorf("ImageURL = %q, want %q", got.ImageURL, second.LocalURL)
	}
	if first.LocalURL == second.LocalURL {
		t.Error("regeneration should produce a new object")
	}

	// 旧画像は削除される
	if ok, _ := f.local.Exists(ctx, first.LocalURL); ok {
		t.Error("previous image should be removed")
	}
	if ok, _ := f.local.Exists(ctx, second.LocalURL); !ok {
		t.Error("new image should exist")
	}
}

func TestGenerateForExisting_CommitFailureLeavesNoObject(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	fig := f.createFigure(t, "Boat")
	f.orch.figures = &failingFigures{FigureStorage: f.figures}

	_, err := f.orch.GenerateForExisting(ctx, fig.ID)
	if !model.IsKind(err, model.KindStorage) {
		t.Fatalf("kind = %s, want storage", model.KindOf(err))
	}
	if model.StageOf(err) != StageCommit {
		t.Errorf("stage = %s, want %s", model.StageOf(err), StageCommit)
	}

	entries, err := os.ReadDir(f.local.Root() + "/origami")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("uncommitted object left behind: %d files", len(entries))
	}
}

func TestGenerate_ConcurrentRequestsGetDistinctURLs(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	fig := f.createFigure(t, "Dragon")

	const n = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		urls = make(map[string]bool)
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var (
				res *model.GenerationResult
				err error
			)
			if i%2 == 0 {
				res, err = f.orch.GenerateForNew(ctx, "Crane", "A traditional paper crane", model.TierHard)
			} else {
				res, err = f.orch.GenerateForExisting(ctx, fig.ID)
			}
			if err != nil {
				t.Errorf("generation error = %v", err)
				return
			}
			mu.Lock()
			urls[res.LocalURL] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(urls) != n {
		t.Errorf("got %d distinct URLs, want %d", len(urls), n)
	}

	got, _ := f.figures.Get(ctx, fig.ID)
	if !urls[got.ImageURL] {
		t.Errorf("final ImageURL %q is not one of the generated URLs", got.ImageURL)
	}
}

func TestWithPromptBuilder(t *testing.T) {
	f := setup(t)
	f.orch = NewOrchestrator(f.provider, f.fetcher, f.images, f.figures,
		WithPromptBuilder(func(name, description string, tier model.DifficultyTier) string {
			return "custom:" + name
		}))

	if _, err := f.orch.GenerateForNew(context.Background(), "Swan", "An elegant swan model", model.TierMedium); err != nil {
		t.Fatal(err)
	}
	if f.provider.prompts[0] != "custom:Swan" {
		t.Errorf("prompt = %q", f.provider.prompts[0])
	}
}
