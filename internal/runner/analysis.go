package runner

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/jkaninda/xpilot/internal/domain"
)

// finding is one hypothesis as returned by the analysis model.
type finding struct {
	Hypothesis        string  `json:"hypothesis"`
	EffectSize        float64 `json:"effect_size"`
	VerificationCount int     `json:"verification_count"`
	Supersedes        string  `json:"supersedes,omitempty"` // ID of a recalled shared finding.
}

// analysisInput is the document sent to the analysis model.
type analysisInput struct {
	KPI       string               `json:"kpi"`
	Confirmed []domain.PostMetrics `json:"confirmed"`
	Snapshots []domain.PostMetrics `json:"snapshots,omitempty"`
	Research  []string             `json:"research,omitempty"`
	Shared    []sharedFinding      `json:"shared,omitempty"`
}

type sharedFinding struct {
	ID         string          `json:"id"`
	Hypothesis string          `json:"hypothesis"`
	Evidence   domain.Evidence `json:"evidence"`
	Confidence float64         `json:"confidence"`
}

// parseFindings extracts the findings array from a model response, which
// may wrap the JSON in prose.
func parseFindings(text string) ([]finding, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("analysis returned empty response")
	}

	var out []finding
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		start := strings.IndexByte(text, '[')
		if start < 0 {
			return nil, fmt.Errorf("analysis response does not contain a JSON array: %w", err)
		}
		end := matchingBracket(text, start)
		if end < 0 {
			return nil, fmt.Errorf("analysis response contains malformed JSON array: %w", err)
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
			return nil, fmt.Errorf("parsing analysis JSON: %w", err)
		}
	}

	valid := out[:0]
	for _, f := range out {
		f.Hypothesis = domain.CleanText(f.Hypothesis, 280)
		if f.Hypothesis == "" || f.EffectSize <= 0 || f.VerificationCount <= 0 {
			continue
		}
		f.EffectSize = math.Min(f.EffectSize, 1)
		valid = append(valid, f)
	}
	return valid, nil
}

// matchingBracket finds the ']' or '}' closing the bracket at start,
// skipping strings.
func matchingBracket(s string, start int) int {
	opening, closing := s[start], byte(']')
	if opening == '{' {
		closing = '}'
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		if escaped {
			escaped = false
			continue
		}
		c := s[i]
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case opening:
			depth++
		case closing:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// maxSummaryPoints bounds the key points kept from one summary.
const maxSummaryPoints = 5

// summary is the JSON the summarizing model returns for a fetched page.
type summary struct {
	Summary    string   `json:"summary"`
	KeyPoints  []string `json:"key_points"`
	Confidence float64  `json:"confidence"`
	SafeToUse  *bool    `json:"safe_to_use"`
}

// parseSummary extracts the summary object from a model response. A
// response without safe_to_use counts as safe.
func parseSummary(text string) (summary, error) {
	var s summary
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return s, fmt.Errorf("summary response does not contain a JSON object")
	}
	end := matchingBracket(text, start)
	if end < 0 {
		return s, fmt.Errorf("summary response contains malformed JSON object")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &s); err != nil {
		return s, fmt.Errorf("parsing summary JSON: %w", err)
	}
	s.Summary = domain.CleanText(s.Summary, 600)
	points := s.KeyPoints[:0]
	for _, p := range s.KeyPoints {
		if p = domain.CleanText(p, 280); p != "" && len(points) < maxSummaryPoints {
			points = append(points, p)
		}
	}
	s.KeyPoints = points
	if s.Summary == "" && len(s.KeyPoints) == 0 {
		return s, fmt.Errorf("summary response is empty")
	}
	return s, nil
}

// facts returns the summary and its key points, or nothing for a page the
// model marked unsafe.
func (s summary) facts() []string {
	if s.SafeToUse != nil && !*s.SafeToUse {
		return nil
	}
	var out []string
	if s.Summary != "" {
		out = append(out, s.Summary)
	}
	return append(out, s.KeyPoints...)
}

// baselineFindings derives a finding from the metrics alone: the best post
// against the mean of the KPI. Used when the model is unavailable.
func baselineFindings(metrics []domain.PostMetrics, kpi string) []finding {
	if len(metrics) < 2 {
		return nil
	}
	var sum float64
	best := metrics[0]
	for _, m := range metrics {
		v := m.Metric(kpi)
		sum += v
		if v > best.Metric(kpi) {
			best = m
		}
	}
	mean := sum / float64(len(metrics))
	if mean <= 0 {
		return nil
	}
	above := 0
	for _, m := range metrics {
		if m.Metric(kpi) > mean {
			above++
		}
	}
	effect := math.Min((best.Metric(kpi)-mean)/mean, 1)
	if effect <= 0 {
		return nil
	}
	return []finding{{
		Hypothesis:        fmt.Sprintf("posts like %s lift %s above the daily mean", best.ExternalID, kpi),
		EffectSize:        math.Round(effect*100) / 100,
		VerificationCount: above,
	}}
}

// evidenceOf labels findings by the metrics they were drawn from.
func evidenceOf(confirmed, snapshots int) domain.Evidence {
	switch {
	case confirmed > 0 && snapshots > 0:
		return domain.EvidenceMixed
	case snapshots > 0:
		return domain.EvidenceSnapshot
	}
	return domain.EvidenceConfirmed
}
