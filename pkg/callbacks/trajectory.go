package callbacks

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cuahq/conductor/pkg/schema"
)

// TrajectoryWriter persists a run to disk as it happens:
//
//	<dir>/<YYYYMMDD_HHMMSS>_<session_id>/
//	    messages.jsonl
//	    screenshots/<call_id>.png
//	    run.json
//
// Screenshot payloads are written as files and the logged message carries
// the relative path instead of the data URL. The jsonl stream is synced
// once at run end.
type TrajectoryWriter struct {
	NoopCallback
	// Dir is the base directory for trajectories.
	Dir string

	mu      sync.Mutex
	runDir  string
	file    *os.File
	encoder *json.Encoder
}

// RunDir returns the directory of the active run, empty before OnRunStart.
func (w *TrajectoryWriter) RunDir() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.runDir
}

func (w *TrajectoryWriter) OnRunStart(_ context.Context, rc *RunContext) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	stamp := time.Now().Format("20060102_150405")
	w.runDir = filepath.Join(w.Dir, fmt.Sprintf("%s_%s", stamp, rc.SessionID))
	if err := os.MkdirAll(filepath.Join(w.runDir, "screenshots"), 0o755); err != nil {
		return fmt.Errorf("create trajectory dir: %w", err)
	}

	f, err := os.Create(filepath.Join(w.runDir, "messages.jsonl"))
	if err != nil {
		return fmt.Errorf("create messages.jsonl: %w", err)
	}
	w.file = f
	w.encoder = json.NewEncoder(f)
	return nil
}

func (w *TrajectoryWriter) OnMessage(_ context.Context, rc *RunContext, msg schema.Message) (schema.Message, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.encoder == nil {
		return msg, true, nil
	}

	logged := msg
	if msg.Type == schema.MessageComputerCallOutput && msg.Output != nil && msg.Output.ImageURL != "" {
		rel, err := w.writeScreenshot(msg.CallID, msg.Output.ImageURL)
		if err != nil {
			rc.Logger.Warn("trajectory screenshot write failed", "call_id", msg.CallID, "error", err)
		} else {
			output := *msg.Output
			output.ImageURL = rel
			logged.Output = &output
		}
	}

	if err := w.encoder.Encode(logged); err != nil {
		return msg, true, fmt.Errorf("append trajectory message: %w", err)
	}
	return msg, true, nil
}

func (w *TrajectoryWriter) writeScreenshot(callID, dataURL string) (string, error) {
	_, encoded, ok := strings.Cut(dataURL, ",")
	if !ok {
		return "", fmt.Errorf("screenshot is not a data url")
	}
	png, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode screenshot: %w", err)
	}
	rel := filepath.Join("screenshots", callID+".png")
	if err := os.WriteFile(filepath.Join(w.runDir, rel), png, 0o644); err != nil {
		return "", err
	}
	return rel, nil
}

type trajectoryMeta struct {
	RunID     string       `json:"run_id"`
	SessionID string       `json:"session_id"`
	Model     string       `json:"model"`
	Status    string       `json:"status"`
	Error     string       `json:"error,omitempty"`
	Usage     schema.Usage `json:"usage"`
	EndedAt   time.Time    `json:"ended_at"`
}

func (w *TrajectoryWriter) OnRunEnd(_ context.Context, rc *RunContext, status string, runErr error) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}

	meta := trajectoryMeta{
		RunID:     rc.RunID,
		SessionID: rc.SessionID,
		Model:     rc.Model,
		Status:    status,
		Usage:     rc.Usage,
		EndedAt:   time.Now().UTC(),
	}
	if runErr != nil {
		meta.Error = runErr.Error()
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(w.runDir, "run.json"), metaData, 0o644)
	}

	if syncErr := w.file.Sync(); syncErr != nil && err == nil {
		err = syncErr
	}
	if closeErr := w.file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	w.file = nil
	w.encoder = nil
	return err
}
