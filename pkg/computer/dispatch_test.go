package computer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuahq/conductor/pkg/schema"
)

func TestDispatchClickMovesFirst(t *testing.T) {
	rec := NewRecorder("test")
	err := Dispatch(context.Background(), rec, schema.ClickAction(100, 200, schema.ButtonLeft))
	require.NoError(t, err)
	assert.Equal(t, []string{"move 100,200", "left_click 100,200"}, rec.Calls())
}

func TestDispatchRightClick(t *testing.T) {
	rec := NewRecorder("test")
	err := Dispatch(context.Background(), rec, schema.ClickAction(5, 6, schema.ButtonRight))
	require.NoError(t, err)
	assert.Equal(t, []string{"move 5,6", "right_click 5,6"}, rec.Calls())
}

func TestDispatchVariants(t *testing.T) {
	tests := []struct {
		name   string
		action schema.Action
		want   string
	}{
		{"double_click", schema.Action{Type: schema.ActionDoubleClick, X: schema.Int(1), Y: schema.Int(2)}, "double_click 1,2"},
		{"move", schema.Action{Type: schema.ActionMove, X: schema.Int(3), Y: schema.Int(4)}, "move 3,4"},
		{"scroll", schema.Action{Type: schema.ActionScroll, X: schema.Int(10), Y: schema.Int(20), ScrollX: schema.Int(0), ScrollY: schema.Int(-120)}, "scroll 10,20 by 0,-120"},
		{"keypress", schema.Action{Type: schema.ActionKeyPress, Keys: []string{"ctrl", "c"}}, "keypress [ctrl c]"},
		{"type", schema.TypeAction("hello"), `type "hello"`},
		{"mouse_down", schema.Action{Type: schema.ActionLeftMouseDown, X: schema.Int(7), Y: schema.Int(8)}, "mouse_down left 7,8"},
		{"mouse_up", schema.Action{Type: schema.ActionLeftMouseUp, X: schema.Int(7), Y: schema.Int(8)}, "mouse_up left 7,8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := NewRecorder("test")
			require.NoError(t, Dispatch(context.Background(), rec, tt.action))
			calls := rec.Calls()
			require.Len(t, calls, 1)
			assert.Equal(t, tt.want, calls[0])
		})
	}
}

func TestDispatchScreenshotIsNoop(t *testing.T) {
	rec := NewRecorder("test")
	require.NoError(t, Dispatch(context.Background(), rec, schema.ScreenshotAction()))
	assert.Empty(t, rec.Calls())
}

func TestDispatchRejectsInvalidAction(t *testing.T) {
	rec := NewRecorder("test")
	err := Dispatch(context.Background(), rec, schema.Action{Type: schema.ActionClick})
	require.Error(t, err)
	assert.Empty(t, rec.Calls())
}

func TestDispatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := NewRecorder("test")
	err := Dispatch(ctx, rec, schema.TypeAction("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
