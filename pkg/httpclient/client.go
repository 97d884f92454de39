package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Client is a JSON request/response helper shared by the provider adapters.
// It classifies failures into the transport/target taxonomy and extracts
// Retry-After hints so the orchestrator's back-off can honor them.
type Client struct {
	httpClient *http.Client
}

// New creates a client with the given request timeout.
func New(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// PostJSON marshals reqBody, POSTs it to url with the given headers, and
// unmarshals a 200-class response into respOut (which may be nil).
func (c *Client) PostJSON(ctx context.Context, url string, headers map[string]string, reqBody, respOut any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return NewTargetError("marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return NewTargetError("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ClassifyDialErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewTransportError("read response body", err)
	}

	if statusErr := ClassifyStatus(resp.StatusCode, truncate(string(body), 512)); statusErr != nil {
		var te *TransportError
		if ok := asTransport(statusErr, &te); ok {
			te.RetryAfter = retryAfter(resp.Header)
		}
		return statusErr
	}

	if respOut != nil {
		if err := json.Unmarshal(body, respOut); err != nil {
			return NewTargetError(fmt.Sprintf("decode response: %v", err), err)
		}
	}
	return nil
}

func asTransport(err error, out **TransportError) bool {
	te, ok := err.(*TransportError)
	if ok {
		*out = te
	}
	return ok
}

// retryAfter parses the Retry-After header (seconds form only).
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
