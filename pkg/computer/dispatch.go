package computer

import (
	"context"
	"fmt"
	"time"

	"github.com/cuahq/conductor/pkg/schema"
)

// defaultWait is applied when a wait action carries no duration.
const defaultWait = time.Second

// Dispatch executes a validated action against c. A click moves the cursor
// first so hover state is established before the press, matching what
// interactive UIs expect. Screenshot actions are a no-op here because the
// orchestrator captures after every action regardless.
func Dispatch(ctx context.Context, c Computer, action schema.Action) error {
	if err := action.Validate(); err != nil {
		return err
	}

	switch action.Type {
	case schema.ActionClick:
		x, y, _ := action.Coordinates()
		if err := c.MoveCursor(ctx, x, y); err != nil {
			return fmt.Errorf("move before click: %w", err)
		}
		if action.Button == schema.ButtonRight {
			return c.RightClick(ctx, x, y)
		}
		return c.LeftClick(ctx, x, y)

	case schema.ActionDoubleClick:
		x, y, _ := action.Coordinates()
		return c.DoubleClick(ctx, x, y)

	case schema.ActionMove:
		x, y, _ := action.Coordinates()
		return c.MoveCursor(ctx, x, y)

	case schema.ActionDrag:
		path := make([]Point, len(action.Path))
		for i, p := range action.Path {
			path[i] = Point{X: p.X, Y: p.Y}
		}
		return c.Drag(ctx, path, string(action.Button))

	case schema.ActionScroll:
		x, y, _ := action.Coordinates()
		return c.Scroll(ctx, x, y, *action.ScrollX, *action.ScrollY)

	case schema.ActionKeyPress:
		return c.PressKeys(ctx, action.Keys)

	case schema.ActionTypeText:
		return c.TypeText(ctx, action.Text)

	case schema.ActionWait:
		return c.Wait(ctx, defaultWait)

	case schema.ActionScreenshot:
		return nil

	case schema.ActionLeftMouseDown:
		x, y, _ := action.Coordinates()
		return c.MouseDown(ctx, x, y, string(schema.ButtonLeft))

	case schema.ActionLeftMouseUp:
		x, y, _ := action.Coordinates()
		return c.MouseUp(ctx, x, y, string(schema.ButtonLeft))

	default:
		return fmt.Errorf("unsupported action type %q", action.Type)
	}
}
