package computer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuahq/conductor/pkg/httpclient"
)

func commandServer(t *testing.T, handle func(cmd string, params map[string]any) (map[string]any, string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/cmd", r.URL.Path)
		var req struct {
			Command string         `json:"command"`
			Params  map[string]any `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data, errMsg := handle(req.Command, req.Params)
		resp := map[string]any{"success": errMsg == "", "data": data}
		if errMsg != "" {
			resp["error"] = errMsg
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestRemoteScreenshotAndDimensions(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	srv := commandServer(t, func(cmd string, params map[string]any) (map[string]any, string) {
		switch cmd {
		case "screenshot":
			return map[string]any{"image_data": base64.StdEncoding.EncodeToString(png)}, ""
		case "get_screen_size":
			return map[string]any{"width": 1920.0, "height": 1080.0}, ""
		default:
			return nil, fmt.Sprintf("unexpected command %s", cmd)
		}
	})
	defer srv.Close()

	r := NewRemote(RemoteOptions{BaseURL: srv.URL, Name: "box-1"})
	got, err := r.Screenshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, png, got)

	w, h, err := r.Dimensions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)
}

func TestRemoteForwardsParams(t *testing.T) {
	var gotCmd string
	var gotParams map[string]any
	srv := commandServer(t, func(cmd string, params map[string]any) (map[string]any, string) {
		gotCmd, gotParams = cmd, params
		return nil, ""
	})
	defer srv.Close()

	r := NewRemote(RemoteOptions{BaseURL: srv.URL})
	require.NoError(t, r.Scroll(context.Background(), 10, 20, 0, -5))
	assert.Equal(t, "scroll", gotCmd)
	assert.Equal(t, map[string]any{"x": 10.0, "y": 20.0, "scroll_x": 0.0, "scroll_y": -5.0}, gotParams)

	require.NoError(t, r.PressKeys(context.Background(), []string{"ctrl", "v"}))
	assert.Equal(t, "hotkey", gotCmd)
}

func TestRemoteCommandFailure(t *testing.T) {
	srv := commandServer(t, func(cmd string, params map[string]any) (map[string]any, string) {
		return nil, "display not ready"
	})
	defer srv.Close()

	r := NewRemote(RemoteOptions{BaseURL: srv.URL})
	err := r.LeftClick(context.Background(), 1, 2)
	require.Error(t, err)
	assert.True(t, httpclient.IsTarget(err))
	assert.Contains(t, err.Error(), "display not ready")
}

func TestRemoteServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewRemote(RemoteOptions{BaseURL: srv.URL})
	err := r.LeftClick(context.Background(), 1, 2)
	require.Error(t, err)
	assert.True(t, httpclient.IsTransient(err))
}

func TestSpecMatches(t *testing.T) {
	info := Info{Name: "box-1", OSType: OSLinux, Provider: ProviderCloud}
	assert.True(t, Spec{}.Matches(info))
	assert.True(t, Spec{OSType: OSLinux}.Matches(info))
	assert.True(t, Spec{Name: "box-1", Provider: ProviderCloud}.Matches(info))
	assert.False(t, Spec{Name: "box-2"}.Matches(info))
	assert.False(t, Spec{OSType: OSWindows}.Matches(info))
}
