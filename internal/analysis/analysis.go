// Package analysis wraps the external AI collaborators. Both calls are
// invoked out-of-band from the state transitions they annotate and degrade to
// fixed fallback values on any failure; they never block or fail a
// transition.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// UnavailableNarrative is the fixed fallback verdict.
const UnavailableNarrative = "Analysis unavailable."

// ImageJudgement is the structured result of a photo plausibility check.
type ImageJudgement struct {
	Plausible   bool     `json:"plausible"`
	Description string   `json:"description"`
	Issues      []string `json:"issues,omitempty"`
}

// UnavailableJudgement is the fixed fallback for a failed photo analysis.
func UnavailableJudgement() ImageJudgement {
	return ImageJudgement{Plausible: true, Description: "Analysis unavailable."}
}

// NarrativeRequest carries the context for a justification verdict.
type NarrativeRequest struct {
	VehicleNumber string `json:"vehicle_number"`
	Route         string `json:"route"`
	DelayMinutes  int    `json:"delay_minutes"`
	Category      string `json:"category"`
	Text          string `json:"text"`
}

// Analyzer is the AI collaborator contract.
type Analyzer interface {
	JudgePhoto(ctx context.Context, photo string) ImageJudgement
	Narrative(ctx context.Context, req NarrativeRequest) string
}

// Unavailable always returns the fallback values. It is the default when no
// analysis endpoint is configured.
type Unavailable struct{}

func (Unavailable) JudgePhoto(ctx context.Context, photo string) ImageJudgement {
	return UnavailableJudgement()
}

func (Unavailable) Narrative(ctx context.Context, req NarrativeRequest) string {
	return UnavailableNarrative
}

// HTTPAnalyzer calls an analysis endpoint; any transport or decode failure
// yields the fallback value.
type HTTPAnalyzer struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New returns an analyzer for the given endpoint, or the Unavailable
// fallback when no endpoint is configured.
func New(baseURL string, timeout time.Duration) Analyzer {
	if strings.TrimSpace(baseURL) == "" {
		return Unavailable{}
	}
	return &HTTPAnalyzer{BaseURL: baseURL, Timeout: timeout}
}

func (a *HTTPAnalyzer) JudgePhoto(ctx context.Context, photo string) ImageJudgement {
	var resp ImageJudgement
	if err := a.do(ctx, "judge-photo", map[string]any{"photo": photo}, &resp); err != nil {
		return UnavailableJudgement()
	}
	return resp
}

func (a *HTTPAnalyzer) Narrative(ctx context.Context, req NarrativeRequest) string {
	var resp struct {
		Narrative string `json:"narrative"`
	}
	if err := a.do(ctx, "narrative", req, &resp); err != nil || resp.Narrative == "" {
		return UnavailableNarrative
	}
	return resp.Narrative
}

func (a *HTTPAnalyzer) do(ctx context.Context, endpoint string, body any, out any) error {
	if a.HTTPClient == nil {
		a.HTTPClient = &http.Client{Timeout: a.Timeout}
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return err
	}
	url := strings.TrimRight(a.BaseURL, "/") + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("analysis: status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Compressor is the image pipeline collaborator: given an encoded image and
// target bounds it returns a smaller encoding, falling back to the original
// on any internal failure. It must not fail.
type Compressor interface {
	Compress(photo string, maxWidth, quality int) string
}

// Passthrough returns the input unchanged; it is both the fallback behavior
// and the default when no pipeline is wired.
type Passthrough struct{}

func (Passthrough) Compress(photo string, maxWidth, quality int) string { return photo }
