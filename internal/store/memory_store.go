package store

import (
	"context"
	"sync"
	"time"

	"origami_catalog/internal/model"
)

// MemoryFigureStore is an in-memory implementation of FigureStorage for tests and local runs
type MemoryFigureStore struct {
	mu      sync.RWMutex
	figures map[string]model.Figure
	names   map[string]string // name -> id
}

var _ FigureStorage = (*MemoryFigureStore)(nil)

// NewMemoryFigureStore creates a new MemoryFigureStore
func NewMemoryFigureStore() *MemoryFigureStore {
	return &MemoryFigureStore{
		figures: make(map[string]model.Figure),
		names:   make(map[string]string),
	}
}

func (s *MemoryFigureStore) Create(ctx context.Context, fig *model.Figure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.names[fig.Name]; exists {
		return nameTaken(fig.Name)
	}
	if fig.HasImage() && s.imageOwnerLocked(fig.ImageURL) != "" {
		return imageTaken(fig.ImageURL)
	}

	prepareNewFigure(fig, time.Now())
	s.figures[fig.ID] = *fig
	s.names[fig.Name] = fig.ID
	return nil
}

func (s *MemoryFigureStore) Get(ctx context.Context, id string) (*model.Figure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fig, ok := s.figures[id]
	if !ok {
		return nil, notFound(id)
	}
	return &fig, nil
}

func (s *MemoryFigureStore) List(ctx context.Context) ([]model.Figure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Figure, 0, len(s.figures))
	for _, fig := range s.figures {
		result = append(result, fig)
	}
	sortFigures(result)
	return result, nil
}

func (s *MemoryFigureStore) Update(ctx context.Context, fig *model.Figure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.figures[fig.ID]
	if !ok {
		return notFound(fig.ID)
	}
	if owner, exists := s.names[fig.Name]; exists && owner != fig.ID {
		return nameTaken(fig.Name)
	}

	delete(s.names, current.Name)
	applyUpdate(&current, fig, time.Now())
	s.figures[current.ID] = current
	s.names[current.Name] = current.ID

	*fig = current
	return nil
}

func (s *MemoryFigureStore) SetImageURL(ctx context.Context, id, imageURL string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.figures[id]
	if !ok {
		return "", notFound(id)
	}
	if imageURL != "" {
		if owner := s.imageOwnerLocked(imageURL); owner != "" && owner != id {
			return "", imageTaken(imageURL)
		}
	}

	previous := current.ImageURL
	current.ImageURL = imageURL
	current.UpdatedAt = time.Now()
	s.figures[id] = current
	return previous, nil
}

func (s *MemoryFigureStore) Delete(ctx context.Context, id string) (*model.Figure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fig, ok := s.figures[id]
	if !ok {
		return nil, notFound(id)
	}
	delete(s.figures, id)
	delete(s.names, fig.Name)
	return &fig, nil
}

// imageOwnerLocked returns the id of the figure holding imageURL. Caller holds mu.
func (s *MemoryFigureStore) imageOwnerLocked(imageURL string) string {
	for id, fig := range s.figures {
		if fig.ImageURL == imageURL {
			return id
		}
	}
	return ""
}

func (s *MemoryFigureStore) Close() error {
	return nil
}
