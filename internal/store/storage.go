package store

import (
	"context"
	"sort"
	"time"

	"origami_catalog/internal/model"

	"github.com/google/uuid"
)

const figureStage = "figures"

// FigureStorage defines the interface for catalog storage backends
type FigureStorage interface {
	// Create assigns an ID and timestamps and stores the figure.
	// Names are unique and an image URL belongs to at most one figure.
	// fig is left untouched when Create fails.
	Create(ctx context.Context, fig *model.Figure) error

	// Get returns a figure by ID
	Get(ctx context.Context, id string) (*model.Figure, error)

	// List returns all figures ordered by creation time
	List(ctx context.Context) ([]model.Figure, error)

	// Update replaces name, description and tier. fig is refreshed with the stored row.
	Update(ctx context.Context, fig *model.Figure) error

	// SetImageURL replaces the image reference and returns the previous one.
	// A URL already held by another figure is a conflict.
	SetImageURL(ctx context.Context, id, imageURL string) (string, error)

	// Delete removes a figure and returns the deleted row
	Delete(ctx context.Context, id string) (*model.Figure, error)

	// Close cleans up resources
	Close() error
}

func prepareNewFigure(fig *model.Figure, now time.Time) {
	fig.ID = uuid.NewString()
	fig.CreatedAt = now
	fig.UpdatedAt = now
}

func applyUpdate(dst *model.Figure, src *model.Figure, now time.Time) {
	dst.Name = src.Name
	dst.Description = src.Description
	dst.Tier = src.Tier
	dst.UpdatedAt = now
}

func sortFigures(figs []model.Figure) {
	sort.SliceStable(figs, func(i, j int) bool {
		if figs[i].CreatedAt.Equal(figs[j].CreatedAt) {
			return figs[i].ID < figs[j].ID
		}
		return figs[i].CreatedAt.Before(figs[j].CreatedAt)
	})
}

func notFound(id string) error {
	return model.NewNotFoundError(figureStage, "figure not found: "+id, nil)
}

func nameTaken(name string) error {
	return model.NewConflictError(figureStage, "a figure with this name already exists: "+name, nil)
}

func imageTaken(imageURL string) error {
	return model.NewConflictError(figureStage, "image is already used by another figure: "+imageURL, nil)
}
