package model

import (
	"strings"
	"time"
	"unicode/utf8"
)

// DifficultyTier represents how hard a figure is to fold
type DifficultyTier string

const (
	TierEasy   DifficultyTier = "easy"
	TierMedium DifficultyTier = "medium"
	TierHard   DifficultyTier = "hard"
)

const (
	MaxNameLength        = 255
	MinDescriptionLength = 10
	MaxDescriptionLength = 2000
)

// 旧フォームの値 (fácil/medio/difícil) も受け付ける
var tierAliases = map[string]DifficultyTier{
	"easy":    TierEasy,
	"medium":  TierMedium,
	"hard":    TierHard,
	"fácil":   TierEasy,
	"facil":   TierEasy,
	"medio":   TierMedium,
	"difícil": TierHard,
	"dificil": TierHard,
}

// ParseTier converts user input into a DifficultyTier.
func ParseTier(s string) (DifficultyTier, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if tier, ok := tierAliases[key]; ok {
		return tier, nil
	}
	return "", NewValidationError("tier", "unknown difficulty tier: "+s, nil)
}

// Valid reports whether t is one of the three known tiers.
func (t DifficultyTier) Valid() bool {
	switch t {
	case TierEasy, TierMedium, TierHard:
		return true
	}
	return false
}

// Figure is a catalog entry describing a single origami model
type Figure struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Tier        DifficultyTier `json:"tier"`
	ImageURL    string         `json:"image_url,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// HasImage reports whether a stored image is attached.
func (f *Figure) HasImage() bool {
	return f.ImageURL != ""
}

// Validate checks the user-editable fields of the figure.
func (f *Figure) Validate() error {
	return ValidateFields(f.Name, f.Description, f.Tier)
}

// ValidateFields applies the catalog field rules shared by creation,
// update and image generation.
func ValidateFields(name, description string, tier DifficultyTier) error {
	if strings.TrimSpace(name) == "" {
		return NewValidationError("name", "name is required", nil)
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return NewValidationError("name", "name is too long", nil)
	}

	descLen := utf8.RuneCountInString(strings.TrimSpace(description))
	if descLen < MinDescriptionLength {
		return NewValidationError("description", "description must be at least 10 characters", nil)
	}
	if descLen > MaxDescriptionLength {
		return NewValidationError("description", "description is too long", nil)
	}

	if !tier.Valid() {
		return NewValidationError("tier", "unknown difficulty tier: "+string(tier), nil)
	}
	return nil
}

// GenerationRequest carries the inputs of one image generation.
// TargetFigureID is empty when the figure does not exist yet.
type GenerationRequest struct {
	Name           string
	Description    string
	Tier           DifficultyTier
	TargetFigureID string
}

// GenerationResult is returned to the caller after a successful generation
type GenerationResult struct {
	LocalURL  string `json:"imagen_url"`
	RemoteURL string `json:"original_url"`
}
