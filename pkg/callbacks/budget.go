package callbacks

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuahq/conductor/pkg/schema"
)

// ErrBudgetExceeded terminates a run that has spent its dollar budget.
var ErrBudgetExceeded = errors.New("run budget exceeded")

// IsBudgetExceeded reports whether err is a budget termination.
func IsBudgetExceeded(err error) bool {
	return errors.Is(err, ErrBudgetExceeded)
}

// BudgetCap ends the run once accumulated cost crosses MaxBudget (USD).
// Steps arrive already priced by the run loop; models with no known rate
// cost zero, so for free local models the cap degrades to the step limit.
type BudgetCap struct {
	NoopCallback
	MaxBudget float64
}

func (b *BudgetCap) OnUsage(_ context.Context, rc *RunContext, _ schema.Usage) error {
	if b.MaxBudget <= 0 {
		return nil
	}
	if rc.Usage.ResponseCost > b.MaxBudget {
		return fmt.Errorf("%w: spent $%.4f of $%.4f", ErrBudgetExceeded, rc.Usage.ResponseCost, b.MaxBudget)
	}
	return nil
}
