package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAPIClient_SendsKeyAndIndents(t *testing.T) {
	var gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		if r.URL.Path != "/v1/agents/acct-1/stop" || r.Method != http.MethodPost {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"acct-1","status":"PAUSED_SAFETY"}`))
	}))
	defer srv.Close()

	c := apiClient{baseURL: srv.URL, apiKey: "k1", http: srv.Client()}
	out, err := c.do(context.Background(), http.MethodPost, "/v1/agents/acct-1/stop", map[string]any{"reason": "maintenance"})
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if gotAuth != "Bearer k1" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(gotBody), &body); err != nil || body["reason"] != "maintenance" {
		t.Errorf("body = %q", gotBody)
	}
	if !strings.Contains(string(out), "\n  \"status\": \"PAUSED_SAFETY\"") {
		t.Errorf("output not indented:\n%s", out)
	}
}

func TestAPIClient_Errors(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"invalid API key"}`, "unauthorized"},
		{"rate limited", http.StatusTooManyRequests, ``, "rate limited"},
		{"not found", http.StatusNotFound, `{"error":"agent nope: not found"}`, "404: agent nope: not found"},
		{"conflict without json", http.StatusConflict, `busy`, "409: busy"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(c.status)
				_, _ = w.Write([]byte(c.body))
			}))
			defer srv.Close()

			_, err := apiClient{baseURL: srv.URL, http: srv.Client()}.do(context.Background(), http.MethodGet, "/v1/agents/nope", nil)
			if err == nil || !strings.Contains(err.Error(), c.want) {
				t.Errorf("err = %v, want mention of %q", err, c.want)
			}
		})
	}
}
