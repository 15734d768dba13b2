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
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/watchtower/pkg/logging"
	"github.com/AleutianAI/watchtower/services/warehouse"
)

const investigationSystemPrompt = `You are an expert SRE assistant performing automated root cause analysis for alerts.
You have access to observability data via SQL queries (ClickHouse dialect). Analyze the alert and determine the root cause.

Available tables and their EXACT columns (use ONLY these columns):

spans (time column: start_time):
  start_time, trace_id, span_id, parent_span_id, service_name, span_name,
  span_kind, status_code, http_status, duration_ns, db_system

logs (time column: timestamp):
  timestamp, service_name, severity_number, severity_text, body_text, trace_id, span_id

span_events (time column: timestamp):
  timestamp, trace_id, span_id, service_name, span_name, event_name,
  exception_type, exception_message, exception_stacktrace

metrics (time column: timestamp):
  timestamp, service_name, metric_name, metric_unit, value_double

CRITICAL SQL RULES:
- For spans: WHERE start_time > now() - INTERVAL 15 MINUTE
- For logs/events/metrics: WHERE timestamp > now() - INTERVAL 15 MINUTE
- There is NO 'attributes' column - do not use it
- NO semicolons at end of queries
- Interval format: INTERVAL 15 MINUTE (no quotes around the number)

Your analysis should be CONCISE (under 500 words). Output format:
ROOT CAUSE: <one sentence summary>
EVIDENCE:
- <key finding 1>
- <key finding 2>
RECOMMENDED ACTIONS:
1. <action 1>
2. <action 2>
`

const finalFormatRequest = `Based on your investigation, provide your final analysis in this EXACT format:

ROOT CAUSE: <one sentence describing the root cause>

EVIDENCE:
- <finding 1>
- <finding 2>

RECOMMENDED ACTIONS:
1. <action 1>
2. <action 2>`

// maxToolIterations bounds the query/answer loop per investigation.
const maxToolIterations = 5

// maxToolResultRows caps how many rows of a query result are shown to
// the model.
const maxToolResultRows = 20

// ChatClient is the LLM surface the investigator talks to.
// *openai.Client satisfies it; tests use a scripted fake.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Investigation is the stored outcome of one root cause analysis.
type Investigation struct {
	InvestigationID    string
	RootCauseSummary   string
	RecommendedActions string
	SupportingEvidence string
	QueriesExecuted    int
	TokensUsed         int
}

// Investigator runs LLM-driven root cause analysis on newly created
// alerts, with an hourly rate cap and a per-service cooldown. Without
// an API key it stays disabled and every alert is skipped.
type Investigator struct {
	exec    Executor
	cfg     Config
	log     *logging.Logger
	client  ChatClient
	enabled bool

	// now is swappable for tests.
	now func() time.Time

	investigationTimes []time.Time
	lastByService      map[string]time.Time
}

// NewInvestigator builds the investigator. With an empty API key the
// investigator is created disabled.
func NewInvestigator(exec Executor, cfg Config, log *logging.Logger) *Investigator {
	inv := &Investigator{
		exec:          exec,
		cfg:           cfg,
		log:           log,
		now:           time.Now,
		lastByService: map[string]time.Time{},
	}
	if cfg.OpenAIAPIKey != "" {
		inv.client = openai.NewClient(cfg.OpenAIAPIKey)
		inv.enabled = true
		log.Info("investigator enabled",
			"model", cfg.InvestigationModel,
			"max_per_hour", cfg.MaxInvestigationsPerHour,
			"service_cooldown", cfg.InvestigationCooldown.String(),
			"critical_only", cfg.InvestigateCriticalOnly)
	} else {
		log.Info("investigator disabled, no OPENAI_API_KEY")
	}
	return inv
}

func sqlTool() openai.Tool {
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        "execute_sql",
			Description: "Execute a SQL query against the observability database",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"sql": {"type": "string", "description": "The SQL query to execute"}
				},
				"required": ["sql"]
			}`),
		},
	}
}

// ShouldInvestigate applies the enable flag, the critical-only gate,
// the hourly rate cap, and the per-service cooldown.
func (inv *Investigator) ShouldInvestigate(alert ActiveAlert) bool {
	if !inv.enabled {
		return false
	}
	if inv.cfg.InvestigateCriticalOnly && alert.Severity != string(SeverityCritical) {
		return false
	}

	now := inv.now()
	hourAgo := now.Add(-time.Hour)
	kept := inv.investigationTimes[:0]
	for _, t := range inv.investigationTimes {
		if t.After(hourAgo) {
			kept = append(kept, t)
		}
	}
	inv.investigationTimes = kept
	if len(inv.investigationTimes) >= inv.cfg.MaxInvestigationsPerHour {
		inv.log.Info("investigation rate limit reached",
			"max_per_hour", inv.cfg.MaxInvestigationsPerHour)
		return false
	}

	if last, ok := inv.lastByService[alert.Service]; ok {
		if now.Before(last.Add(inv.cfg.InvestigationCooldown)) {
			inv.log.Info("service in investigation cooldown", "service", alert.Service)
			return false
		}
	}
	return true
}

// Investigate runs the tool-use loop for one alert, persists the
// findings, and returns them. A nil result means the alert was skipped
// or the investigation failed; both are non-fatal.
func (inv *Investigator) Investigate(ctx context.Context, alert ActiveAlert) *Investigation {
	if !inv.ShouldInvestigate(alert) {
		return nil
	}
	inv.log.Info("starting investigation",
		"service", alert.Service, "alert_type", alert.AlertType, "alert_id", alert.AlertID)

	now := inv.now()
	inv.investigationTimes = append(inv.investigationTimes, now)
	inv.lastByService[alert.Service] = now

	userPrompt := fmt.Sprintf(`Investigate this alert:

Service: %s
Alert Type: %s
Description: %s

Find the root cause by querying the observability data. Focus on the last 15 minutes.
Start by checking for errors, exceptions, and anomalies in this service and its dependencies.`,
		alert.Service, alert.AlertType, alert.Description)

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: investigationSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: userPrompt},
	}
	tools := []openai.Tool{sqlTool()}

	queriesExecuted := 0
	totalTokens := 0
	var lastMessage openai.ChatCompletionMessage

	for i := 0; i < maxToolIterations; i++ {
		resp, err := inv.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:     inv.cfg.InvestigationModel,
			MaxTokens: inv.cfg.InvestigationMaxTokens,
			Messages:  messages,
			Tools:     tools,
		})
		if err != nil {
			inv.log.Error("investigation request failed", "alert_id", alert.AlertID, "error", err)
			return nil
		}
		if len(resp.Choices) == 0 {
			inv.log.Error("investigation response empty", "alert_id", alert.AlertID)
			return nil
		}
		totalTokens += resp.Usage.TotalTokens
		lastMessage = resp.Choices[0].Message

		if len(lastMessage.ToolCalls) == 0 {
			break
		}

		messages = append(messages, lastMessage)
		for _, call := range lastMessage.ToolCalls {
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: call.ID,
				Content:    inv.runTool(ctx, call, &queriesExecuted),
			})
		}
	}

	if len(lastMessage.ToolCalls) == 0 {
		// Natural completion; carry it into the transcript.
		messages = append(messages, lastMessage)
	} else {
		// The loop ended mid tool-use; get a natural completion over the
		// pending tool results before asking for the summary.
		resp, err := inv.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:     inv.cfg.InvestigationModel,
			MaxTokens: inv.cfg.InvestigationMaxTokens,
			Messages:  messages,
			Tools:     tools,
		})
		if err != nil {
			inv.log.Error("investigation completion failed", "alert_id", alert.AlertID, "error", err)
			return nil
		}
		if len(resp.Choices) > 0 {
			totalTokens += resp.Usage.TotalTokens
			messages = append(messages, resp.Choices[0].Message)
		}
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: finalFormatRequest,
	})

	// Final structured answer, no tools offered.
	finalResp, err := inv.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     inv.cfg.InvestigationModel,
		MaxTokens: inv.cfg.InvestigationMaxTokens,
		Messages:  messages,
	})
	if err != nil {
		inv.log.Error("investigation summary failed", "alert_id", alert.AlertID, "error", err)
		return nil
	}
	if len(finalResp.Choices) == 0 {
		return nil
	}
	totalTokens += finalResp.Usage.TotalTokens

	rootCause, actions, evidence := parseAnalysis(finalResp.Choices[0].Message.Content)

	result := &Investigation{
		InvestigationID:    uuid.NewString()[:8],
		RootCauseSummary:   rootCause,
		RecommendedActions: actions,
		SupportingEvidence: evidence,
		QueriesExecuted:    queriesExecuted,
		TokensUsed:         totalTokens,
	}
	inv.storeInvestigation(ctx, alert, result)
	inv.log.Info("investigation completed",
		"alert_id", alert.AlertID, "root_cause", truncate(rootCause, 80),
		"queries", queriesExecuted, "tokens", totalTokens)
	return result
}

// runTool executes one execute_sql call and renders the result as JSON
// for the model. Query errors are reported back to the model instead of
// aborting the investigation.
func (inv *Investigator) runTool(ctx context.Context, call openai.ToolCall, queriesExecuted *int) string {
	if call.Function.Name != "execute_sql" {
		return `{"error": "unknown tool"}`
	}

	var args struct {
		SQL string `json:"sql"`
	}
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		return fmt.Sprintf(`{"error": %q}`, "invalid tool arguments: "+err.Error())
	}
	sql := strings.TrimRight(strings.TrimSpace(args.SQL), ";")
	*queriesExecuted++

	rows, err := inv.exec.Query(ctx, sql)
	if err != nil {
		payload, _ := json.Marshal([]map[string]any{{"error": err.Error()}})
		return string(payload)
	}
	if len(rows) > maxToolResultRows {
		rows = rows[:maxToolResultRows]
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, "could not encode result: "+err.Error())
	}
	return string(payload)
}

// parseAnalysis splits the model's answer into the three persisted
// sections. When no ROOT CAUSE line is found, the first sentence serves
// as the summary.
func parseAnalysis(analysis string) (rootCause, actions, evidence string) {
	var evidenceLines, actionLines []string
	section := ""

	for _, line := range strings.Split(analysis, "\n") {
		upper := strings.ToUpper(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(upper, "ROOT CAUSE:"):
			section = "root_cause"
			if _, rest, ok := strings.Cut(line, ":"); ok {
				rootCause = strings.TrimSpace(rest)
			}
		case strings.HasPrefix(upper, "EVIDENCE:") || strings.HasPrefix(upper, "SUPPORTING EVIDENCE:"):
			section = "evidence"
		case strings.HasPrefix(upper, "RECOMMENDED ACTIONS:") || strings.HasPrefix(upper, "ACTIONS:"):
			section = "actions"
		case section == "root_cause" && strings.TrimSpace(line) != "" && rootCause == "":
			rootCause = strings.TrimSpace(line)
		case section == "evidence":
			evidenceLines = append(evidenceLines, line)
		case section == "actions":
			actionLines = append(actionLines, line)
		}
	}

	if rootCause == "" && analysis != "" {
		first, _, _ := strings.Cut(analysis, ".")
		rootCause = truncate(first, 200)
	}
	return strings.TrimSpace(rootCause),
		strings.TrimSpace(strings.Join(actionLines, "\n")),
		strings.TrimSpace(strings.Join(evidenceLines, "\n"))
}

func (inv *Investigator) storeInvestigation(ctx context.Context, alert ActiveAlert, res *Investigation) {
	sql := fmt.Sprintf(`
		INSERT INTO %s (
			investigation_id, alert_id, investigated_at, service_name, alert_type,
			model_used, root_cause_summary, recommended_actions, supporting_evidence,
			queries_executed, tokens_used
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.exec.Table(warehouse.TableAlertInvestigations))
	err := inv.exec.Exec(ctx, sql,
		res.InvestigationID, alert.AlertID, time.Now().UTC(), alert.Service, alert.AlertType,
		inv.cfg.InvestigationModel,
		truncate(res.RootCauseSummary, 2000),
		truncate(res.RecommendedActions, 2000),
		truncate(res.SupportingEvidence, 4000),
		int32(res.QueriesExecuted), int32(res.TokensUsed))
	if err != nil {
		inv.log.Error("could not persist investigation",
			"alert_id", alert.AlertID, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
