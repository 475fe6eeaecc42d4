package prompt

import (
	"fmt"

	"origami_catalog/internal/model"
)

const (
	easyTemplate = "A simple origami %s, focused on basic folds and a clean design. %s. " +
		"Difficulty level: easy. Beginner-friendly with minimal steps, emphasizing clear lines and straightforward folds. " +
		"Soft lighting, clean background, and a gentle focus on the paper texture."

	mediumTemplate = "A moderately complex origami %s, balancing elegant folds and manageable complexity. %s. " +
		"Difficulty level: medium. Some intricate details while remaining accessible for those with intermediate skills. " +
		"Professional lighting, clean background, and a clear display of the folded structure."

	hardTemplate = "A master-level origami %s showcasing intricate and highly sophisticated folds. %s. " +
		"Difficulty level: hard. Demands precision and advanced techniques, resulting in a stunning, complex design. " +
		"High-quality lighting, clean background, and sharp focus to highlight each meticulous fold."
)

// Build returns the image prompt for a figure.
// Tiers outside easy/medium fall back to the hard template.
func Build(name, description string, tier model.DifficultyTier) string {
	return fmt.Sprintf(templateFor(tier), name, description)
}

func templateFor(tier model.DifficultyTier) string {
	switch tier {
	case model.TierEasy:
		return easyTemplate
	case model.TierMedium:
		return mediumTemplate
	default:
		return hardTemplate
	}
}
