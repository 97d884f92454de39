package schema

import "fmt"

// ActionType discriminates the action variants a computer_call can carry.
type ActionType string

const (
	ActionClick         ActionType = "click"
	ActionDoubleClick   ActionType = "double_click"
	ActionDrag          ActionType = "drag"
	ActionMove          ActionType = "move"
	ActionScroll        ActionType = "scroll"
	ActionKeyPress      ActionType = "keypress"
	ActionTypeText      ActionType = "type"
	ActionScreenshot    ActionType = "screenshot"
	ActionWait          ActionType = "wait"
	ActionLeftMouseDown ActionType = "left_mouse_down"
	ActionLeftMouseUp   ActionType = "left_mouse_up"
)

// Button identifies a mouse button.
type Button string

const (
	ButtonLeft    Button = "left"
	ButtonRight   Button = "right"
	ButtonWheel   Button = "wheel"
	ButtonBack    Button = "back"
	ButtonForward Button = "forward"
)

func (b Button) valid() bool {
	switch b {
	case ButtonLeft, ButtonRight, ButtonWheel, ButtonBack, ButtonForward:
		return true
	}
	return false
}

// Point is an integer screen coordinate.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Action is the sum type of everything the orchestrator can ask a computer
// to do. Coordinate fields are pointers so that 0 survives the round trip
// and absent fields stay absent on the wire.
type Action struct {
	Type    ActionType `json:"type"`
	Button  Button     `json:"button,omitempty"`
	X       *int       `json:"x,omitempty"`
	Y       *int       `json:"y,omitempty"`
	ScrollX *int       `json:"scroll_x,omitempty"`
	ScrollY *int       `json:"scroll_y,omitempty"`
	Path    []Point    `json:"path,omitempty"`
	Keys    []string   `json:"keys,omitempty"`
	Text    string     `json:"text,omitempty"`
}

// Int returns a pointer to v, for building actions literally.
func Int(v int) *int { return &v }

// Coordinates returns the action's x/y pair. ok is false when either is absent.
func (a *Action) Coordinates() (x, y int, ok bool) {
	if a.X == nil || a.Y == nil {
		return 0, 0, false
	}
	return *a.X, *a.Y, true
}

// Validate enforces the per-variant required fields.
func (a *Action) Validate() error {
	needsXY := func() error {
		if a.X == nil || a.Y == nil {
			return fmt.Errorf("%s action requires x and y", a.Type)
		}
		return nil
	}
	switch a.Type {
	case ActionClick:
		if a.Button != "" && !a.Button.valid() {
			return fmt.Errorf("invalid button %q", a.Button)
		}
		return needsXY()
	case ActionDoubleClick, ActionMove, ActionLeftMouseDown, ActionLeftMouseUp:
		return needsXY()
	case ActionDrag:
		if len(a.Path) < 2 {
			return fmt.Errorf("drag action requires a path of at least 2 points")
		}
		if a.Button != "" && !a.Button.valid() {
			return fmt.Errorf("invalid button %q", a.Button)
		}
		return nil
	case ActionScroll:
		if err := needsXY(); err != nil {
			return err
		}
		if a.ScrollX == nil || a.ScrollY == nil {
			return fmt.Errorf("scroll action requires scroll_x and scroll_y")
		}
		return nil
	case ActionKeyPress:
		if len(a.Keys) == 0 {
			return fmt.Errorf("keypress action requires non-empty keys")
		}
		return nil
	case ActionTypeText:
		return nil
	case ActionScreenshot, ActionWait:
		return nil
	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}

// ClickAction builds a click at (x, y) with the given button
// (empty button means left).
func ClickAction(x, y int, button Button) Action {
	return Action{Type: ActionClick, Button: button, X: Int(x), Y: Int(y)}
}

// TypeAction builds a type-text action.
func TypeAction(text string) Action {
	return Action{Type: ActionTypeText, Text: text}
}

// ScreenshotAction builds a bare screenshot request.
func ScreenshotAction() Action {
	return Action{Type: ActionScreenshot}
}
