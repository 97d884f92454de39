package loops

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuahq/conductor/pkg/httpclient"
	"github.com/cuahq/conductor/pkg/llm"
	"github.com/cuahq/conductor/pkg/schema"
)

const omniparserDefaultBaseURL = "http://localhost:7860"

// omniparserLoop talks to an OmniParser server, which detects interactable
// elements on a screenshot. It grounds clicks by itself but cannot plan;
// planning comes from the VLM it is bundled with.
type omniparserLoop struct {
	client  *httpclient.Client
	baseURL string
	logger  *slog.Logger
}

func newOmniparserLoop(ref llm.ModelRef, opts Options) (llm.AgentLoop, error) {
	return &omniparserLoop{
		client:  httpclient.New(opts.timeout()),
		baseURL: opts.baseURL(llm.ProviderOmniparser, omniparserDefaultBaseURL),
		logger:  opts.logger().With("loop", "omniparser"),
	}, nil
}

// Element is one detected screen element. BBox is normalized [x1,y1,x2,y2].
type Element struct {
	Type          string     `json:"type"`
	BBox          [4]float64 `json:"bbox"`
	Interactivity bool       `json:"interactivity"`
	Content       string     `json:"content"`
}

// Center returns the element's center in pixels for the given display size.
func (e Element) Center(width, height int) schema.Point {
	return schema.Point{
		X: int((e.BBox[0] + e.BBox[2]) / 2 * float64(width)),
		Y: int((e.BBox[1] + e.BBox[3]) / 2 * float64(height)),
	}
}

type omniparserParseRequest struct {
	Base64Image string `json:"base64_image"`
}

type omniparserParseResponse struct {
	SOMImageBase64    string    `json:"som_image_base64"`
	ParsedContentList []Element `json:"parsed_content_list"`
	Latency           float64   `json:"latency"`
}

// DetectElements parses a screenshot into its elements plus the annotated
// set-of-marks image.
func (l *omniparserLoop) DetectElements(ctx context.Context, imageURL string) (somImageURL string, elements []Element, err error) {
	encoded, err := base64FromDataURL(imageURL)
	if err != nil {
		return "", nil, err
	}

	var resp omniparserParseResponse
	err = l.client.PostJSON(ctx, l.baseURL+"/parse/", nil,
		omniparserParseRequest{Base64Image: encoded}, &resp)
	if err != nil {
		return "", nil, err
	}
	l.logger.Debug("parsed screenshot",
		"elements", len(resp.ParsedContentList), "latency", resp.Latency)

	som := imageURL
	if resp.SOMImageBase64 != "" {
		som = "data:image/png;base64," + resp.SOMImageBase64
	}
	return som, resp.ParsedContentList, nil
}

// PredictClick grounds an element description against the detected
// elements by fuzzy content match. Detection is not a token-metered
// model call, so usage stays zero.
func (l *omniparserLoop) PredictClick(ctx context.Context, req *llm.GroundRequest) (schema.Point, schema.Usage, error) {
	_, elements, err := l.DetectElements(ctx, req.ImageURL)
	if err != nil {
		return schema.Point{}, schema.Usage{}, err
	}

	best, ok := matchElement(elements, req.Instruction)
	if !ok {
		return schema.Point{}, schema.Usage{}, httpclient.NewTargetError(
			fmt.Sprintf("no element matches %q", req.Instruction), nil)
	}
	return best.Center(req.Width, req.Height), schema.Usage{}, nil
}

// matchElement picks the element whose content best matches instruction:
// exact match first, then substring either way, preferring interactable
// elements.
func matchElement(elements []Element, instruction string) (Element, bool) {
	needle := strings.ToLower(strings.TrimSpace(instruction))
	var (
		best      Element
		bestScore = 0
	)
	for _, e := range elements {
		content := strings.ToLower(strings.TrimSpace(e.Content))
		if content == "" {
			continue
		}
		score := 0
		switch {
		case content == needle:
			score = 4
		case strings.Contains(content, needle), strings.Contains(needle, content):
			score = 2
		default:
			continue
		}
		if e.Interactivity {
			score++
		}
		if score > bestScore {
			best, bestScore = e, score
		}
	}
	return best, bestScore > 0
}

// PredictStep rejects direct use; omniparser detects, it does not plan.
func (l *omniparserLoop) PredictStep(ctx context.Context, req *llm.StepRequest) (*llm.StepResponse, error) {
	return nil, httpclient.NewTargetError(
		"omniparser cannot plan on its own; use omniparser+<vlm>", nil)
}

func base64FromDataURL(url string) (string, error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return "", httpclient.NewTargetError("image url is not a data url", nil)
	}
	_, data, ok := strings.Cut(rest, ",")
	if !ok {
		return "", httpclient.NewTargetError("malformed data url", nil)
	}
	return data, nil
}
