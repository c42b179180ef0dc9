package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// FeatureToggles are the per-agent operator switches, already validated.
type FeatureToggles struct {
	AutoPost            bool `json:"auto_post"`
	PostsPerDay         int  `json:"posts_per_day"`
	ReplyDailyMax       int  `json:"reply_daily_max"`
	QuoteDailyMax       int  `json:"quote_daily_max"`
	ReplyQuoteDailyMax  int  `json:"reply_quote_daily_max"`
	XSearchMax          int  `json:"x_search_max"`
	WebSearchMax        int  `json:"web_search_max"`
	WebFetchMax         int  `json:"web_fetch_max"`
	PollIntervalSeconds int  `json:"posting_poll_seconds"`
	SnapshotFetchMax    int  `json:"snapshot_fetch_max"`
}

// DefaultToggles returns the values used when a key is absent or invalid.
func DefaultToggles() FeatureToggles {
	return FeatureToggles{
		AutoPost:            false,
		PostsPerDay:         3,
		ReplyDailyMax:       3,
		QuoteDailyMax:       3,
		ReplyQuoteDailyMax:  3,
		XSearchMax:          5,
		WebSearchMax:        5,
		WebFetchMax:         3,
		PollIntervalSeconds: 86400,
		SnapshotFetchMax:    5,
	}
}

type toggleRule struct {
	min, max int
	field    func(*FeatureToggles) *int
}

var toggleRules = map[string]toggleRule{
	"posts_per_day":         {0, 20, func(t *FeatureToggles) *int { return &t.PostsPerDay }},
	"reply_daily_max":       {0, 100, func(t *FeatureToggles) *int { return &t.ReplyDailyMax }},
	"quote_daily_max":       {0, 100, func(t *FeatureToggles) *int { return &t.QuoteDailyMax }},
	"reply_quote_daily_max": {0, 100, func(t *FeatureToggles) *int { return &t.ReplyQuoteDailyMax }},
	"x_search_max":          {0, 50, func(t *FeatureToggles) *int { return &t.XSearchMax }},
	"web_search_max":        {0, 50, func(t *FeatureToggles) *int { return &t.WebSearchMax }},
	"web_fetch_max":         {0, 20, func(t *FeatureToggles) *int { return &t.WebFetchMax }},
	"posting_poll_seconds":  {1, 86400, func(t *FeatureToggles) *int { return &t.PollIntervalSeconds }},
	"snapshot_fetch_max":    {0, 20, func(t *FeatureToggles) *int { return &t.SnapshotFetchMax }},
}

// ToggleFallback records a raw toggle value that was rejected.
type ToggleFallback struct {
	Key     string
	Reason  string // "key_not_allowlisted", "invalid_int", "invalid_bool", "out_of_range"
	Raw     string
	Default any
}

// ResolveToggles validates operator-supplied toggles against the allow-list.
// Invalid or out-of-range values fall back to defaults; each rejection is
// returned so the caller can log it.
func ResolveToggles(raw map[string]any, defaults FeatureToggles) (FeatureToggles, []ToggleFallback) {
	t := defaults
	var fallbacks []ToggleFallback

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		v := raw[key]
		if key == "auto_post" {
			b, ok := v.(bool)
			if !ok {
				fallbacks = append(fallbacks, ToggleFallback{Key: key, Reason: "invalid_bool", Raw: rawRepr(v), Default: defaults.AutoPost})
				continue
			}
			t.AutoPost = b
			continue
		}
		rule, ok := toggleRules[key]
		if !ok {
			fallbacks = append(fallbacks, ToggleFallback{Key: key, Reason: "key_not_allowlisted", Raw: rawRepr(v)})
			continue
		}
		n, ok := toInt(v)
		if !ok {
			fallbacks = append(fallbacks, ToggleFallback{Key: key, Reason: "invalid_int", Raw: rawRepr(v), Default: defaultFor(defaults, key)})
			continue
		}
		if n < rule.min || n > rule.max {
			fallbacks = append(fallbacks, ToggleFallback{Key: key, Reason: "out_of_range", Raw: rawRepr(v), Default: defaultFor(defaults, key)})
			continue
		}
		*rule.field(&t) = n
	}
	return t, fallbacks
}

func defaultFor(defaults FeatureToggles, key string) any {
	return *toggleRules[key].field(&defaults)
}

// toInt accepts JSON/YAML numbers and numeric strings. Booleans and
// fractional values are rejected.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

func rawRepr(v any) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}
