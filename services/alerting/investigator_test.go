// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package alerting

import (
	"context"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// fakeChat replays a scripted sequence of responses and records every
// request it receives.
type fakeChat struct {
	responses []openai.ChatCompletionResponse
	requests  []openai.ChatCompletionRequest
}

func (f *fakeChat) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.requests = append(f.requests, req)
	if len(f.responses) == 0 {
		return openai.ChatCompletionResponse{}, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

func textResponse(content string, tokens int) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: content,
			},
		}},
		Usage: openai.Usage{TotalTokens: tokens},
	}
}

func toolCallResponse(id, sql string, tokens int) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: openai.ChatMessageRoleAssistant,
				ToolCalls: []openai.ToolCall{{
					ID:   id,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      "execute_sql",
						Arguments: `{"sql": "` + sql + `"}`,
					},
				}},
			},
		}},
		Usage: openai.Usage{TotalTokens: tokens},
	}
}

func investigatorConfig() Config {
	cfg := testConfig()
	cfg.InvestigationModel = "gpt-4o-mini"
	cfg.InvestigationMaxTokens = 1000
	cfg.MaxInvestigationsPerHour = 5
	cfg.InvestigationCooldown = 30 * time.Minute
	return cfg
}

// testInvestigator returns an enabled investigator backed by the given
// fakes, with a controllable clock.
func testInvestigator(exec Executor, chat ChatClient, cfg Config, clock *time.Time) *Investigator {
	inv := NewInvestigator(exec, cfg, quietLogger())
	inv.client = chat
	inv.enabled = true
	inv.now = func() time.Time { return *clock }
	return inv
}

func criticalAlert() ActiveAlert {
	return ActiveAlert{
		AlertID:     "deadbeef",
		Service:     "checkout",
		AlertType:   "error_spike",
		MetricType:  "error_rate",
		Severity:    string(SeverityCritical),
		Description: "Error rate 25.0% exceeds baseline 1.0%",
	}
}

func TestShouldInvestigate(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("disabled without client", func(t *testing.T) {
		inv := NewInvestigator(newFakeExec(), investigatorConfig(), quietLogger())
		if inv.ShouldInvestigate(criticalAlert()) {
			t.Error("disabled investigator must skip all alerts")
		}
	})

	t.Run("critical only gate", func(t *testing.T) {
		cfg := investigatorConfig()
		cfg.InvestigateCriticalOnly = true
		inv := testInvestigator(newFakeExec(), &fakeChat{}, cfg, &clock)

		warning := criticalAlert()
		warning.Severity = string(SeverityWarning)
		if inv.ShouldInvestigate(warning) {
			t.Error("warning alert must be skipped in critical-only mode")
		}
		if !inv.ShouldInvestigate(criticalAlert()) {
			t.Error("critical alert must pass")
		}
	})

	t.Run("hourly cap with sliding window", func(t *testing.T) {
		now := clock
		inv := testInvestigator(newFakeExec(), &fakeChat{}, investigatorConfig(), &now)

		for i := 0; i < 5; i++ {
			inv.investigationTimes = append(inv.investigationTimes, now.Add(-time.Duration(i)*time.Minute))
		}
		if inv.ShouldInvestigate(criticalAlert()) {
			t.Error("cap of 5 per hour must block the sixth")
		}

		// An hour later the window has slid past all of them.
		now = now.Add(61 * time.Minute)
		if !inv.ShouldInvestigate(criticalAlert()) {
			t.Error("old investigations must age out of the window")
		}
	})

	t.Run("per-service cooldown", func(t *testing.T) {
		now := clock
		inv := testInvestigator(newFakeExec(), &fakeChat{}, investigatorConfig(), &now)
		inv.lastByService["checkout"] = now.Add(-10 * time.Minute)

		if inv.ShouldInvestigate(criticalAlert()) {
			t.Error("service investigated 10m ago must be in 30m cooldown")
		}

		other := criticalAlert()
		other.Service = "orders"
		if !inv.ShouldInvestigate(other) {
			t.Error("cooldown is per service")
		}

		now = now.Add(25 * time.Minute)
		if !inv.ShouldInvestigate(criticalAlert()) {
			t.Error("cooldown must expire after 30m")
		}
	})
}

func TestInvestigateToolLoop(t *testing.T) {
	exec := newFakeExec()
	exec.respond("FROM span_events",
		map[string]any{"exception_type": "ConnectionError", "cnt": int64(14)})

	analysis := `ROOT CAUSE: Database connection pool exhausted in checkout.

EVIDENCE:
- 14 ConnectionError exceptions in the last 15 minutes
- All failures target postgresql

RECOMMENDED ACTIONS:
1. Increase the connection pool size
2. Add retry with backoff on pool checkout`

	chat := &fakeChat{responses: []openai.ChatCompletionResponse{
		toolCallResponse("call_1", "SELECT exception_type, count() AS cnt FROM span_events WHERE service_name = 'checkout';", 120),
		textResponse("The exceptions point at the database connection pool.", 80),
		textResponse(analysis, 150),
	}}

	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	inv := testInvestigator(exec, chat, investigatorConfig(), &clock)

	result := inv.Investigate(context.Background(), criticalAlert())
	if result == nil {
		t.Fatal("expected an investigation result")
	}

	t.Run("parsed sections", func(t *testing.T) {
		if result.RootCauseSummary != "Database connection pool exhausted in checkout." {
			t.Errorf("root cause = %q", result.RootCauseSummary)
		}
		if !strings.Contains(result.SupportingEvidence, "14 ConnectionError") {
			t.Errorf("evidence = %q", result.SupportingEvidence)
		}
		if !strings.Contains(result.RecommendedActions, "connection pool size") {
			t.Errorf("actions = %q", result.RecommendedActions)
		}
	})

	t.Run("counters", func(t *testing.T) {
		if result.QueriesExecuted != 1 {
			t.Errorf("queries = %d, want 1", result.QueriesExecuted)
		}
		if result.TokensUsed != 350 {
			t.Errorf("tokens = %d, want 350", result.TokensUsed)
		}
		if len(result.InvestigationID) != 8 {
			t.Errorf("investigation id = %q, want 8 chars", result.InvestigationID)
		}
	})

	t.Run("semicolon stripped before execution", func(t *testing.T) {
		if len(exec.queries) != 1 {
			t.Fatalf("queries executed = %d, want 1", len(exec.queries))
		}
		if strings.HasSuffix(exec.queries[0], ";") {
			t.Errorf("trailing semicolon survived: %q", exec.queries[0])
		}
	})

	t.Run("final request carries no tools", func(t *testing.T) {
		if len(chat.requests) != 3 {
			t.Fatalf("chat requests = %d, want 3", len(chat.requests))
		}
		if len(chat.requests[0].Tools) == 0 {
			t.Error("first request must offer the sql tool")
		}
		final := chat.requests[2]
		if len(final.Tools) != 0 {
			t.Error("final summary request must not offer tools")
		}
		last := final.Messages[len(final.Messages)-1]
		if last.Role != openai.ChatMessageRoleUser || !strings.Contains(last.Content, "EXACT format") {
			t.Errorf("final request must end with the format instruction, got %+v", last)
		}
	})

	t.Run("tool result fed back with call id", func(t *testing.T) {
		second := chat.requests[1]
		var toolMsg *openai.ChatCompletionMessage
		for i := range second.Messages {
			if second.Messages[i].Role == openai.ChatMessageRoleTool {
				toolMsg = &second.Messages[i]
			}
		}
		if toolMsg == nil {
			t.Fatal("no tool message in second request")
		}
		if toolMsg.ToolCallID != "call_1" {
			t.Errorf("tool call id = %q", toolMsg.ToolCallID)
		}
		if !strings.Contains(toolMsg.Content, "ConnectionError") {
			t.Errorf("tool content = %q", toolMsg.Content)
		}
	})

	t.Run("persisted", func(t *testing.T) {
		inserts := exec.execsMatching("INSERT INTO alert_investigations")
		if len(inserts) != 1 {
			t.Fatalf("investigation inserts = %d, want 1", len(inserts))
		}
		if inserts[0].args[1] != "deadbeef" {
			t.Errorf("persisted alert_id = %v", inserts[0].args[1])
		}
	})
}

func TestRunTool(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	call := func(args string) openai.ToolCall {
		return openai.ToolCall{
			ID:   "call_x",
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      "execute_sql",
				Arguments: args,
			},
		}
	}

	t.Run("row cap at 20", func(t *testing.T) {
		exec := newFakeExec()
		var rows []map[string]any
		for i := 0; i < 50; i++ {
			rows = append(rows, map[string]any{"n": int64(i)})
		}
		exec.respond("FROM spans", rows...)

		inv := testInvestigator(exec, &fakeChat{}, investigatorConfig(), &clock)
		var n int
		out := inv.runTool(context.Background(), call(`{"sql": "SELECT n FROM spans"}`), &n)
		if got := strings.Count(out, `"n"`); got != 20 {
			t.Errorf("rows in tool output = %d, want 20", got)
		}
		if n != 1 {
			t.Errorf("query counter = %d, want 1", n)
		}
	})

	t.Run("query error returned to the model", func(t *testing.T) {
		exec := newFakeExec()
		inv := testInvestigator(exec, &fakeChat{}, investigatorConfig(), &clock)
		// fakeExec returns no rows for unmatched SQL; force an error path
		// through invalid tool arguments instead.
		var n int
		out := inv.runTool(context.Background(), call(`{"sql": 42}`), &n)
		if !strings.Contains(out, "error") {
			t.Errorf("tool output = %q, want error payload", out)
		}
		if n != 0 {
			t.Errorf("query counter = %d, want 0 for rejected arguments", n)
		}
	})

	t.Run("unknown tool rejected", func(t *testing.T) {
		inv := testInvestigator(newFakeExec(), &fakeChat{}, investigatorConfig(), &clock)
		bad := call(`{}`)
		bad.Function.Name = "drop_tables"
		var n int
		if out := inv.runTool(context.Background(), bad, &n); !strings.Contains(out, "unknown tool") {
			t.Errorf("tool output = %q", out)
		}
	})
}

func TestParseAnalysis(t *testing.T) {
	t.Run("structured answer", func(t *testing.T) {
		root, actions, evidence := parseAnalysis(`ROOT CAUSE: Pool exhaustion.

EVIDENCE:
- finding one
- finding two

RECOMMENDED ACTIONS:
1. do this
2. then that`)
		if root != "Pool exhaustion." {
			t.Errorf("root = %q", root)
		}
		if !strings.Contains(evidence, "finding one") || !strings.Contains(evidence, "finding two") {
			t.Errorf("evidence = %q", evidence)
		}
		if !strings.Contains(actions, "do this") {
			t.Errorf("actions = %q", actions)
		}
	})

	t.Run("unstructured falls back to first sentence", func(t *testing.T) {
		root, actions, evidence := parseAnalysis("The service ran out of database connections. More detail follows.")
		if root != "The service ran out of database connections" {
			t.Errorf("root = %q", root)
		}
		if actions != "" || evidence != "" {
			t.Errorf("actions/evidence = %q/%q, want empty", actions, evidence)
		}
	})

	t.Run("empty input", func(t *testing.T) {
		root, _, _ := parseAnalysis("")
		if root != "" {
			t.Errorf("root = %q, want empty", root)
		}
	})
}
