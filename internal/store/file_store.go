package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"origami_catalog/internal/config"
	"origami_catalog/internal/model"

	"github.com/gofrs/flock"
)

const (
	fileLockTimeout = 2 * time.Second
	fileLockRetry   = 10 * time.Millisecond
)

// FileFigureStore keeps the catalog in a JSON file.
// Every operation re-reads the file under an inter-process lock, so several
// processes can share one catalog file.
type FileFigureStore struct {
	mu           sync.Mutex
	saveFilePath string
	fileLock     *flock.Flock
}

var _ FigureStorage = (*FileFigureStore)(nil)

// NewFileFigureStore creates a store backed by filePath. The file is created lazily.
func NewFileFigureStore(filePath string) (*FileFigureStore, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), config.DataDirPermission); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	s := &FileFigureStore{
		saveFilePath: filePath,
		fileLock:     flock.New(filePath + ".lock"),
	}

	figs, err := s.List(context.Background())
	if err != nil {
		return nil, err
	}
	log.Printf("[Store] カタログ読み込み成功: %d件 (ファイル: %s)", len(figs), filePath)
	return s, nil
}

func (s *FileFigureStore) Create(ctx context.Context, fig *model.Figure) error {
	return s.mutate(ctx, func(figs []model.Figure) ([]model.Figure, error) {
		for _, existing := range figs {
			if existing.Name == fig.Name {
				return nil, nameTaken(fig.Name)
			}
			if fig.HasImage() && existing.ImageURL == fig.ImageURL {
				return nil, imageTaken(fig.ImageURL)
			}
		}
		prepareNewFigure(fig, time.Now())
		return append(figs, *fig), nil
	})
}

func (s *FileFigureStore) Get(ctx context.Context, id string) (*model.Figure, error) {
	figs, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	for i := range figs {
		if figs[i].ID == id {
			return &figs[i], nil
		}
	}
	return nil, notFound(id)
}

func (s *FileFigureStore) List(ctx context.Context) ([]model.Figure, error) {
	figs, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	sortFigures(figs)
	return figs, nil
}

func (s *FileFigureStore) Update(ctx context.Context, fig *model.Figure) error {
	return s.mutate(ctx, func(figs []model.Figure) ([]model.Figure, error) {
		idx := -1
		conflict := false
		for i := range figs {
			if figs[i].ID == fig.ID {
				idx = i
			} else if figs[i].Name == fig.Name {
				conflict = true
			}
		}
		if idx < 0 {
			return nil, notFound(fig.ID)
		}
		if conflict {
			return nil, nameTaken(fig.Name)
		}
		applyUpdate(&figs[idx], fig, time.Now())
		*fig = figs[idx]
		return figs, nil
	})
}

func (s *FileFigureStore) SetImageURL(ctx context.Context, id, imageURL string) (string, error) {
	var previous string
	err := s.mutate(ctx, func(figs []model.Figure) ([]model.Figure, error) {
		idx := -1
		for i := range figs {
			if figs[i].ID == id {
				idx = i
			} else if imageURL != "" && figs[i].ImageURL == imageURL {
				return nil, imageTaken(imageURL)
			}
		}
		if idx < 0 {
			return nil, notFound(id)
		}
		previous = figs[idx].ImageURL
		figs[idx].ImageURL = imageURL
		figs[idx].UpdatedAt = time.Now()
		return figs, nil
	})
	return previous, err
}

func (s *FileFigureStore) Delete(ctx context.Context, id string) (*model.Figure, error) {
	var deleted *model.Figure
	err := s.mutate(ctx, func(figs []model.Figure) ([]model.Figure, error) {
		for i := range figs {
			if figs[i].ID == id {
				fig := figs[i]
				deleted = &fig
				return append(figs[:i], figs[i+1:]...), nil
			}
		}
		return nil, notFound(id)
	})
	if err != nil {
		return nil, err
	}
	return deleted, nil
}

func (s *FileFigureStore) Close() error {
	return s.fileLock.Close()
}

// read loads the catalog under a shared file lock.
func (s *FileFigureStore) read(ctx context.Context) ([]model.Figure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, fileLockTimeout)
	defer cancel()

	locked, err := s.fileLock.TryRLockContext(lockCtx, fileLockRetry)
	if err != nil || !locked {
		return nil, model.NewStorageError(figureStage, "failed to acquire file lock", err)
	}
	defer s.fileLock.Unlock() //nolint:errcheck

	return s.load()
}

// mutate applies fn to the catalog under an exclusive file lock and saves the result.
// Nothing is written when fn returns an error.
func (s *FileFigureStore) mutate(ctx context.Context, fn func([]model.Figure) ([]model.Figure, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, fileLockTimeout)
	defer cancel()

	locked, err := s.fileLock.TryLockContext(lockCtx, fileLockRetry)
	if err != nil || !locked {
		log.Printf("[Store] ファイルロック取得失敗: %v", err)
		return model.NewStorageError(figureStage, "failed to acquire file lock", err)
	}
	defer s.fileLock.Unlock() //nolint:errcheck

	figs, err := s.load()
	if err != nil {
		return err
	}

	updated, err := fn(figs)
	if err != nil {
		return err
	}

	data, err := json.MarshalIndent(updated, "", "  ")
	if err != nil {
		return model.NewStorageError(figureStage, "failed to marshal figures", err)
	}
	if err := atomicWriteFile(s.saveFilePath, data, "", "figures_tmp_*.json"); err != nil {
		return model.NewStorageError(figureStage, "failed to write figures", err)
	}
	return nil
}

// load reads the file. Caller must hold the file lock.
func (s *FileFigureStore) load() ([]model.Figure, error) {
	data, err := os.ReadFile(s.saveFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []model.Figure{}, nil
		}
		return nil, model.NewStorageError(figureStage, "failed to read figures", err)
	}
	if len(data) == 0 {
		return []model.Figure{}, nil
	}

	var figs []model.Figure
	if err := json.Unmarshal(data, &figs); err != nil {
		return nil, model.NewStorageError(figureStage, "failed to parse figures", err)
	}
	return figs, nil
}
