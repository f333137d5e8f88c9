package thumbdata

import (
	"fmt"
	"math"

	"github.com/dunamismax/thumbdata/internal/domain"
)

// DefaultPixelBudget is the target pixel count shared with the
// reconstruction tooling.
const DefaultPixelBudget = 2500

type Plan struct {
	Width  int
	Height int
}

// PlanSize scales width×height so the result holds roughly budget pixels
// while keeping the aspect ratio.
func PlanSize(width, height, budget int) (Plan, error) {
	if width <= 0 || height <= 0 {
		return Plan{}, fmt.Errorf("%w: source dimensions %dx%d", domain.ErrInvalidInput, width, height)
	}
	if budget <= 0 {
		return Plan{}, fmt.Errorf("%w: pixel budget %d", domain.ErrInvalidInput, budget)
	}

	w, h := float64(width), float64(height)
	ratio := math.Sqrt(float64(budget) / (w * h))
	plan := Plan{
		Width:  int(math.Round(ratio * w)),
		Height: int(math.Round(ratio * h)),
	}
	if plan.Width < 1 || plan.Height < 1 {
		return Plan{}, fmt.Errorf("%w: degenerate plan %dx%d for source %dx%d",
			domain.ErrInvalidInput, plan.Width, plan.Height, width, height)
	}
	return plan, nil
}
