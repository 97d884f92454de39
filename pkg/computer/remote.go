package computer

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/cuahq/conductor/pkg/httpclient"
)

// Remote drives a computer-server instance over its command API. Each
// operation is one POST to /cmd with a command name and parameters.
type Remote struct {
	client  *httpclient.Client
	baseURL string
	apiKey  string
	info    Info
}

// RemoteOptions configures a Remote computer.
type RemoteOptions struct {
	BaseURL string
	APIKey  string
	Name    string
	OSType  OSType
	Timeout time.Duration
}

// NewRemote builds a client for the computer-server at opts.BaseURL.
func NewRemote(opts RemoteOptions) *Remote {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	osType := opts.OSType
	if osType == "" {
		osType = OSLinux
	}
	return &Remote{
		client:  httpclient.New(timeout),
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		info:    Info{Name: opts.Name, OSType: osType, Provider: ProviderCloud},
	}
}

type commandRequest struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

type commandResponse struct {
	Success bool           `json:"success"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

func (r *Remote) cmd(ctx context.Context, command string, params map[string]any) (map[string]any, error) {
	headers := map[string]string{}
	if r.apiKey != "" {
		headers["Authorization"] = "Bearer " + r.apiKey
	}

	var resp commandResponse
	err := r.client.PostJSON(ctx, r.baseURL+"/cmd", headers,
		commandRequest{Command: command, Params: params}, &resp)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", command, err)
	}
	if !resp.Success {
		return nil, httpclient.NewTargetError(fmt.Sprintf("%s: %s", command, resp.Error), nil)
	}
	return resp.Data, nil
}

func (r *Remote) Info() Info { return r.info }

func (r *Remote) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := r.cmd(ctx, "screenshot", nil)
	if err != nil {
		return nil, err
	}
	encoded, _ := data["image_data"].(string)
	if encoded == "" {
		return nil, httpclient.NewTargetError("screenshot: empty image_data", nil)
	}
	png, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, httpclient.NewTargetError("screenshot: decode image_data", err)
	}
	return png, nil
}

func (r *Remote) Dimensions(ctx context.Context) (int, int, error) {
	data, err := r.cmd(ctx, "get_screen_size", nil)
	if err != nil {
		return 0, 0, err
	}
	w, _ := data["width"].(float64)
	h, _ := data["height"].(float64)
	if w <= 0 || h <= 0 {
		return 0, 0, httpclient.NewTargetError("get_screen_size: missing dimensions", nil)
	}
	return int(w), int(h), nil
}

func (r *Remote) LeftClick(ctx context.Context, x, y int) error {
	_, err := r.cmd(ctx, "left_click", map[string]any{"x": x, "y": y})
	return err
}

func (r *Remote) RightClick(ctx context.Context, x, y int) error {
	_, err := r.cmd(ctx, "right_click", map[string]any{"x": x, "y": y})
	return err
}

func (r *Remote) DoubleClick(ctx context.Context, x, y int) error {
	_, err := r.cmd(ctx, "double_click", map[string]any{"x": x, "y": y})
	return err
}

func (r *Remote) MoveCursor(ctx context.Context, x, y int) error {
	_, err := r.cmd(ctx, "move_cursor", map[string]any{"x": x, "y": y})
	return err
}

func (r *Remote) MouseDown(ctx context.Context, x, y int, button string) error {
	_, err := r.cmd(ctx, "mouse_down", map[string]any{"x": x, "y": y, "button": button})
	return err
}

func (r *Remote) MouseUp(ctx context.Context, x, y int, button string) error {
	_, err := r.cmd(ctx, "mouse_up", map[string]any{"x": x, "y": y, "button": button})
	return err
}

func (r *Remote) Drag(ctx context.Context, path []Point, button string) error {
	points := make([]map[string]int, len(path))
	for i, p := range path {
		points[i] = map[string]int{"x": p.X, "y": p.Y}
	}
	_, err := r.cmd(ctx, "drag", map[string]any{"path": points, "button": button})
	return err
}

func (r *Remote) Scroll(ctx context.Context, x, y, deltaX, deltaY int) error {
	_, err := r.cmd(ctx, "scroll", map[string]any{
		"x": x, "y": y, "scroll_x": deltaX, "scroll_y": deltaY,
	})
	return err
}

func (r *Remote) TypeText(ctx context.Context, text string) error {
	_, err := r.cmd(ctx, "type_text", map[string]any{"text": text})
	return err
}

func (r *Remote) PressKeys(ctx context.Context, keys []string) error {
	_, err := r.cmd(ctx, "hotkey", map[string]any{"keys": keys})
	return err
}

func (r *Remote) Wait(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (r *Remote) Close(ctx context.Context) error {
	// The command API has no teardown verb; lifecycle belongs to the
	// provisioner that created the instance.
	return nil
}

// RemoteProvisioner builds Remote clients for named cloud instances.
type RemoteProvisioner struct {
	// BaseURLTemplate expands the instance name, e.g.
	// "https://%s.containers.example.com:8443".
	BaseURLTemplate string
	APIKey          string
	Timeout         time.Duration
}

func (p *RemoteProvisioner) Provision(ctx context.Context, spec Spec) (Computer, error) {
	if spec.Name == "" {
		return nil, httpclient.NewTargetError("provision: cloud computers require a name", nil)
	}
	r := NewRemote(RemoteOptions{
		BaseURL: fmt.Sprintf(p.BaseURLTemplate, spec.Name),
		APIKey:  p.APIKey,
		Name:    spec.Name,
		OSType:  spec.OSType,
		Timeout: p.Timeout,
	})
	// One round trip to confirm the instance is reachable.
	if _, _, err := r.Dimensions(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (p *RemoteProvisioner) Probe(ctx context.Context, c Computer) error {
	_, _, err := c.Dimensions(ctx)
	return err
}
