package computer

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Recorder is an in-memory Computer that records every call. It backs unit
// tests and the dry-run mode of the CLI.
type Recorder struct {
	mu       sync.Mutex
	calls    []string
	info     Info
	width    int
	height   int
	png      []byte
	failNext error
}

// NewRecorder builds a recorder presenting as a 1024x768 linux instance.
func NewRecorder(name string) *Recorder {
	return &Recorder{
		info:   Info{Name: name, OSType: OSLinux, Provider: ProviderHost},
		width:  1024,
		height: 768,
		png:    []byte("\x89PNG\r\n\x1a\nstub"),
	}
}

// Calls returns the operations performed so far, formatted one per entry.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

// FailNext makes the next operation return err once.
func (r *Recorder) FailNext(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = err
}

func (r *Recorder) record(ctx context.Context, format string, args ...any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return err
	}
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	return nil
}

func (r *Recorder) Info() Info { return r.info }

func (r *Recorder) Screenshot(ctx context.Context) ([]byte, error) {
	if err := r.record(ctx, "screenshot"); err != nil {
		return nil, err
	}
	return r.png, nil
}

func (r *Recorder) Dimensions(ctx context.Context) (int, int, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	return r.width, r.height, nil
}

func (r *Recorder) LeftClick(ctx context.Context, x, y int) error {
	return r.record(ctx, "left_click %d,%d", x, y)
}

func (r *Recorder) RightClick(ctx context.Context, x, y int) error {
	return r.record(ctx, "right_click %d,%d", x, y)
}

func (r *Recorder) DoubleClick(ctx context.Context, x, y int) error {
	return r.record(ctx, "double_click %d,%d", x, y)
}

func (r *Recorder) MoveCursor(ctx context.Context, x, y int) error {
	return r.record(ctx, "move %d,%d", x, y)
}

func (r *Recorder) MouseDown(ctx context.Context, x, y int, button string) error {
	return r.record(ctx, "mouse_down %s %d,%d", button, x, y)
}

func (r *Recorder) MouseUp(ctx context.Context, x, y int, button string) error {
	return r.record(ctx, "mouse_up %s %d,%d", button, x, y)
}

func (r *Recorder) Drag(ctx context.Context, path []Point, button string) error {
	return r.record(ctx, "drag %v", path)
}

func (r *Recorder) Scroll(ctx context.Context, x, y, deltaX, deltaY int) error {
	return r.record(ctx, "scroll %d,%d by %d,%d", x, y, deltaX, deltaY)
}

func (r *Recorder) TypeText(ctx context.Context, text string) error {
	return r.record(ctx, "type %q", text)
}

func (r *Recorder) PressKeys(ctx context.Context, keys []string) error {
	return r.record(ctx, "keypress %v", keys)
}

func (r *Recorder) Wait(ctx context.Context, d time.Duration) error {
	return r.record(ctx, "wait %s", d)
}

func (r *Recorder) Close(ctx context.Context) error {
	return r.record(ctx, "close")
}

// RecorderProvisioner provisions Recorder instances, for tests and dry runs.
type RecorderProvisioner struct {
	mu      sync.Mutex
	created int
	// ProbeErr, when set, makes every health probe fail.
	ProbeErr error
}

func (p *RecorderProvisioner) Provision(ctx context.Context, spec Spec) (Computer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created++
	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("recorder-%d", p.created)
	}
	r := NewRecorder(name)
	if spec.OSType != "" {
		r.info.OSType = spec.OSType
	}
	if spec.Provider != "" {
		r.info.Provider = spec.Provider
	}
	if spec.Width > 0 && spec.Height > 0 {
		r.width, r.height = spec.Width, spec.Height
	}
	return r, nil
}

func (p *RecorderProvisioner) Probe(ctx context.Context, c Computer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProbeErr
}

// Created reports how many instances the provisioner has built.
func (p *RecorderProvisioner) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}
