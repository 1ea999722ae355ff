package agent

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestValidateStrictPreserve(t *testing.T) {
	longStyled := strings.Repeat("padding words here ", 30)

	tests := []struct {
		name       string
		raw        string
		styled     string
		maxChars   int
		threshold  float64
		wantValid  bool
		wantReason string
	}{
		{
			name:       "empty styled output",
			raw:        "the deploy finished without errors",
			styled:     "   ",
			wantValid:  false,
			wantReason: "drift_empty_output",
		},
		{
			name:       "styled output too long",
			raw:        "short draft",
			styled:     longStyled,
			maxChars:   100,
			wantValid:  false,
			wantReason: "drift_output_too_long",
		},
		{
			name:       "mention token dropped",
			raw:        "ping <@123456789012345678> about the deploy status today",
			styled:     "ping that guy about the deploy status today",
			wantValid:  false,
			wantReason: "drift_entity_loss",
		},
		{
			name:       "url dropped",
			raw:        "docs are at https://example.com/guide for the setup steps",
			styled:     "docs cover the setup steps somewhere online",
			wantValid:  false,
			wantReason: "drift_entity_loss",
		},
		{
			name:       "number changed",
			raw:        "there are 5 open tickets in the queue right now",
			styled:     "there are 6 open tickets in the queue right now",
			wantValid:  false,
			wantReason: "drift_numeric_mismatch",
		},
		{
			name:       "duplicate number collapsed",
			raw:        "channel 42 has 42 pinned messages currently listed there",
			styled:     "channel 42 has pinned messages currently listed there",
			wantValid:  false,
			wantReason: "drift_numeric_mismatch",
		},
		{
			name: "complete rewrite rejected",
			raw: "the deployment pipeline finished successfully and every integration check " +
				"passed during tonight's maintenance window for the backend services",
			styled: "certainly! wonderful news regarding infrastructure matters, " +
				"everything proceeded exquisitely during recent operational activities",
			wantValid:  false,
			wantReason: "drift_low_overlap",
		},
		{
			name:       "actionable keyword invented",
			raw:        "i checked the logs and everything looks fine with that user account today",
			styled:     "checked the logs, everything looks fine with that user account today. maybe ban them",
			wantValid:  false,
			wantReason: "drift_actionable_addition",
		},
		{
			name:      "faithful restyle accepted",
			raw:       "the deploy finished fine and all checks passed for the backend services tonight",
			styled:    "deploy finished fine~ all checks passed for the backend services tonight",
			wantValid: true,
		},
		{
			name:      "actionable keyword preserved from raw",
			raw:       "they got a timeout for spamming, it expires in 10 minutes",
			styled:    "yeah they got a timeout for spamming, expires in 10 minutes",
			wantValid: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateStrictPreserve(tt.raw, tt.styled, tt.maxChars, tt.threshold)
			if got.Valid != tt.wantValid {
				t.Fatalf("Valid = %v, want %v (reason %q)", got.Valid, tt.wantValid, got.Reason)
			}
			if !tt.wantValid {
				if got.Reason != tt.wantReason {
					t.Errorf("Reason = %q, want %q", got.Reason, tt.wantReason)
				}
				if !got.DriftReject {
					t.Error("DriftReject = false for a rejection")
				}
			}
		})
	}
}

func TestClampThreshold(t *testing.T) {
	bigSet := func(n int) map[string]struct{} {
		set := make(map[string]struct{}, n)
		for i := 0; i < n; i++ {
			set[strings.Repeat("x", 3+i)] = struct{}{}
		}
		return set
	}

	tests := []struct {
		name      string
		threshold float64
		a, b      int
		want      float64
	}{
		{"zero uses default", 0, 20, 20, 0.42},
		{"below floor clamped", 0.05, 20, 20, 0.2},
		{"above ceiling clamped", 0.95, 20, 20, 0.9},
		{"short reply relaxed", 0.42, 6, 20, 0.16},
		{"medium reply relaxed", 0.42, 12, 20, 0.28},
		{"long reply unchanged", 0.42, 20, 20, 0.42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := clampThreshold(tt.threshold, bigSet(tt.a), bigSet(tt.b))
			if got != tt.want {
				t.Errorf("clampThreshold(%v, %d, %d) = %v, want %v", tt.threshold, tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func testPersonalityConfig() PersonalityConfig {
	cfg := DefaultConfig().Personality
	cfg.MaxLatency = time.Second
	return cfg
}

func TestRenderDisabled(t *testing.T) {
	cfg := testPersonalityConfig()
	cfg.Enabled = false
	renderer := NewRenderer(&stubCompleter{name: "style"}, cfg, testLogger())

	result := renderer.Render(context.Background(), "raw draft", nil)
	if result.FinalText != "raw draft" || result.Styled || result.Reason != "disabled" {
		t.Errorf("result = %+v", result)
	}
}

func TestRenderEmptyRaw(t *testing.T) {
	renderer := NewRenderer(&stubCompleter{name: "style"}, testPersonalityConfig(), testLogger())

	result := renderer.Render(context.Background(), "   ", nil)
	if result.FinalText != "" || result.Reason != "empty_raw" {
		t.Errorf("result = %+v", result)
	}
}

func TestRenderProviderErrorFallsBackToRaw(t *testing.T) {
	client := &stubCompleter{name: "style", script: []stubTurn{
		{err: &apiError{provider: "style", statusCode: 500}},
	}}
	renderer := NewRenderer(client, testPersonalityConfig(), testLogger())

	result := renderer.Render(context.Background(), "the raw draft survives", nil)
	if result.FinalText != "the raw draft survives" {
		t.Errorf("FinalText = %q, want raw draft", result.FinalText)
	}
	if result.Styled || result.Reason != "provider_error" {
		t.Errorf("result = %+v", result)
	}
}

func TestRenderDriftRejectFallsBackToRaw(t *testing.T) {
	client := &stubCompleter{name: "style", script: []stubTurn{
		textTurn("completely unrelated text about sandwiches and weather patterns today", "style-model"),
	}}
	renderer := NewRenderer(client, testPersonalityConfig(), testLogger())

	raw := "the deployment pipeline finished successfully and every integration check passed during the maintenance window"
	result := renderer.Render(context.Background(), raw, nil)
	if result.FinalText != raw {
		t.Errorf("FinalText = %q, want raw draft back", result.FinalText)
	}
	if !result.DriftReject {
		t.Error("DriftReject = false, want true")
	}
}

func TestRenderSuccess(t *testing.T) {
	client := &stubCompleter{name: "style", script: []stubTurn{
		textTurn("deploy finished fine~ every integration check passed during the maintenance window", "style-model"),
	}}
	renderer := NewRenderer(client, testPersonalityConfig(), testLogger())

	raw := "the deploy finished fine and every integration check passed during the maintenance window"
	styleHistory := []string{"earlier styled reply"}
	result := renderer.Render(context.Background(), raw, styleHistory)
	if !result.Styled || result.Reason != "ok" {
		t.Fatalf("result = %+v", result)
	}
	if result.FinalText == raw {
		t.Error("styled output identical to raw input")
	}

	messages := client.calls[0]
	if len(messages) != 4 {
		t.Fatalf("rewrite messages = %d, want 4", len(messages))
	}
	if !strings.Contains(messages[2].Content, "1. earlier styled reply") {
		t.Errorf("style history block missing: %q", messages[2].Content)
	}
	if !strings.Contains(messages[3].Content, raw) {
		t.Errorf("draft missing from user message: %q", messages[3].Content)
	}
}

func TestRenderEmptyStyleHistoryBlock(t *testing.T) {
	client := &stubCompleter{name: "style", script: []stubTurn{
		textTurn("unused", "style-model"),
	}}
	renderer := NewRenderer(client, testPersonalityConfig(), testLogger())

	renderer.Render(context.Background(), "anything at all really goes here", nil)
	if !strings.Contains(client.calls[0][2].Content, "(none)") {
		t.Errorf("empty history placeholder missing: %q", client.calls[0][2].Content)
	}
}
