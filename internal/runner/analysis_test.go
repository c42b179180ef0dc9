package runner

import (
	"testing"

	"github.com/jkaninda/xpilot/internal/domain"
)

// --- parseFindings ---

func TestParseFindings_WrappedInProse(t *testing.T) {
	text := "Findings below.\n```json\n[{\"hypothesis\":\"threads with [numbers] do well\",\"effect_size\":1.7,\"verification_count\":2}," +
		"{\"hypothesis\":\"\",\"effect_size\":0.5,\"verification_count\":1}," +
		"{\"hypothesis\":\"no evidence\",\"effect_size\":0.5,\"verification_count\":0}]\n```"
	got, err := parseFindings(text)
	if err != nil {
		t.Fatalf("parseFindings: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("findings = %+v, want 1 valid", got)
	}
	if got[0].Hypothesis != "threads with [numbers] do well" {
		t.Errorf("hypothesis = %q", got[0].Hypothesis)
	}
	if got[0].EffectSize != 1 {
		t.Errorf("effect = %v, want capped at 1", got[0].EffectSize)
	}
}

func TestParseFindings_Errors(t *testing.T) {
	for _, text := range []string{"", "no json here", `[{"hypothesis": "open`} {
		if _, err := parseFindings(text); err == nil {
			t.Errorf("parseFindings(%q) error = nil", text)
		}
	}
}

// --- parseSummary ---

func TestParseSummary(t *testing.T) {
	got, err := parseSummary("Summary: {\"summary\":\"Use {braces} sparingly\",\"key_points\":[\"a\",\"\",\"b\",\"c\",\"d\",\"e\",\"f\"],\"confidence\":0.7}")
	if err != nil {
		t.Fatalf("parseSummary: %v", err)
	}
	if got.Summary != "Use {braces} sparingly" {
		t.Errorf("summary = %q", got.Summary)
	}
	if len(got.KeyPoints) != maxSummaryPoints || got.KeyPoints[0] != "a" || got.KeyPoints[1] != "b" {
		t.Errorf("key points = %q, want five non-empty", got.KeyPoints)
	}
	if facts := got.facts(); len(facts) != 1+maxSummaryPoints {
		t.Errorf("facts = %q, want summary and points when safe_to_use is absent", facts)
	}

	unsafe, err := parseSummary(`{"summary":"spam","safe_to_use":false}`)
	if err != nil {
		t.Fatalf("parseSummary: %v", err)
	}
	if facts := unsafe.facts(); len(facts) != 0 {
		t.Errorf("unsafe facts = %q, want none", facts)
	}

	for _, text := range []string{"", "plain prose", `{"summary":`, `{"summary":"","key_points":[]}`} {
		if _, err := parseSummary(text); err == nil {
			t.Errorf("parseSummary(%q) error = nil", text)
		}
	}
}

// --- baselineFindings ---

func TestBaselineFindings_BestAgainstMean(t *testing.T) {
	metrics := []domain.PostMetrics{
		{ExternalID: "a", Impressions: 100},
		{ExternalID: "b", Impressions: 100},
		{ExternalID: "c", Impressions: 400},
	}
	got := baselineFindings(metrics, "impressions")
	if len(got) != 1 {
		t.Fatalf("findings = %+v, want 1", got)
	}
	// mean 200, best 400
	if got[0].EffectSize != 1 || got[0].VerificationCount != 1 {
		t.Errorf("finding = %+v, want effect 1 count 1", got[0])
	}

	if got := baselineFindings(metrics[:1], "impressions"); got != nil {
		t.Errorf("single post = %+v, want nil", got)
	}
	if got := baselineFindings(metrics, "unknown_kpi"); got != nil {
		t.Errorf("unknown kpi = %+v, want nil", got)
	}
}

func TestEvidenceOf(t *testing.T) {
	cases := []struct {
		confirmed, snapshots int
		want                 domain.Evidence
	}{
		{3, 0, domain.EvidenceConfirmed},
		{0, 2, domain.EvidenceSnapshot},
		{3, 2, domain.EvidenceMixed},
	}
	for _, c := range cases {
		if got := evidenceOf(c.confirmed, c.snapshots); got != c.want {
			t.Errorf("evidenceOf(%d, %d) = %s, want %s", c.confirmed, c.snapshots, got, c.want)
		}
	}
}

// --- Plan helpers ---

func TestParseAngles(t *testing.T) {
	got := parseAngles(`Sure: ["  first   angle ", "", "second"]`)
	if len(got) != 2 || got[0] != "first angle" || got[1] != "second" {
		t.Errorf("angles = %q", got)
	}
	if got := parseAngles(`{"not": "a list"}`); got != nil {
		t.Errorf("object = %q, want nil", got)
	}
}

func TestEngagementCap(t *testing.T) {
	toggles := domain.DefaultToggles()
	toggles.ReplyQuoteDailyMax = 5
	toggles.ReplyDailyMax = 2
	toggles.QuoteDailyMax = 1

	if got := engagementCap(toggles, domain.LedgerEntry{}); got != 3 {
		t.Errorf("fresh cap = %d, want 3", got)
	}
	if got := engagementCap(toggles, domain.LedgerEntry{ReplyCount: 2}); got != 1 {
		t.Errorf("replies used cap = %d, want 1", got)
	}
	if got := engagementCap(toggles, domain.LedgerEntry{ReplyCount: 4, QuoteCount: 2}); got != 0 {
		t.Errorf("over cap = %d, want 0", got)
	}
}

// --- Result ---

func TestResultEvent(t *testing.T) {
	cases := []struct {
		res  Result
		want domain.Event
	}{
		{Result{}, domain.EventCycleCompleted},
		{Result{Stopped: true, StopReason: domain.StopManual}, domain.EventStop},
		{Result{Err: domain.ErrUnrecoverable}, domain.EventFault},
		{Result{StopReason: domain.StopBudgetExceeded}, domain.EventBudgetDenied},
		{Result{StopReason: domain.StopReplyCap}, domain.EventSafetyFired},
	}
	for _, c := range cases {
		if got := c.res.Event(); got != c.want {
			t.Errorf("Event(%+v) = %s, want %s", c.res, got, c.want)
		}
	}
}
