package actor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/quorum/internal/action"
	"github.com/nextlevelbuilder/quorum/internal/providers"
)

// buildMessages assembles the LLM conversation for one model from the
// prompt fields and that model's own history.
func (a *Agent) buildMessages(modelSpec string) []providers.Message {
	messages := []providers.Message{{Role: "system", Content: a.buildSystemPrompt()}}

	for _, entry := range a.histories[modelSpec] {
		switch entry.Type {
		case "decision":
			messages = append(messages, providers.Message{Role: "assistant", Content: entry.Content})
		default: // "user" and "agent" (observations) both arrive as user turns
			messages = append(messages, providers.Message{Role: "user", Content: entry.Content})
		}
	}

	// The conversation must end on a user turn; nudge the model if the
	// last entry was its own decision.
	if len(messages) == 1 || messages[len(messages)-1].Role == "assistant" {
		messages = append(messages, providers.Message{Role: "user", Content: "Choose your next action."})
	}
	return messages
}

func (a *Agent) buildSystemPrompt() string {
	var b strings.Builder

	b.WriteString("You are one agent in a cooperating tree of agents working on a task.\n")
	if a.promptFields.Provided.Role != "" {
		b.WriteString("Role: " + a.promptFields.Provided.Role + "\n")
	}
	if a.promptFields.Provided.CognitiveStyle != "" {
		b.WriteString("Cognitive style: " + a.promptFields.Provided.CognitiveStyle + "\n")
	}
	if a.promptFields.Provided.OutputStyle != "" {
		b.WriteString("Output style: " + a.promptFields.Provided.OutputStyle + "\n")
	}

	b.WriteString("\n## Task\n" + a.promptFields.Provided.TaskDescription + "\n")
	if s := a.promptFields.Provided.SuccessCriteria; s != "" {
		b.WriteString("\nSuccess criteria: " + s + "\n")
	}
	if s := a.promptFields.Provided.ImmediateContext; s != "" {
		b.WriteString("\nImmediate context: " + s + "\n")
	}
	if s := a.promptFields.Provided.ApproachGuidance; s != "" {
		b.WriteString("\nApproach guidance: " + s + "\n")
	}
	if s := a.promptFields.Provided.DelegationStrategy; s != "" {
		b.WriteString("\nDelegation strategy: " + s + "\n")
	}

	if s := a.promptFields.Injected.GlobalContext; s != "" {
		b.WriteString("\n## Global context\n" + s + "\n")
	}
	constraints := append([]string(nil), a.promptFields.Injected.GlobalConstraints...)
	constraints = append(constraints, a.promptFields.Provided.DownstreamConstraints...)
	if len(constraints) > 0 {
		b.WriteString("\n## Constraints\n")
		for _, c := range constraints {
			b.WriteString("- " + c + "\n")
		}
	}

	if len(a.transformed.Narrative) > 0 {
		b.WriteString("\n## Working narrative\n")
		for _, n := range a.transformed.Narrative {
			b.WriteString("- " + n + "\n")
		}
	}
	if len(a.transformed.SiblingSummaries) > 0 {
		b.WriteString("\n## Sibling agents\n")
		for id, summary := range a.transformed.SiblingSummaries {
			b.WriteString("- " + id + ": " + summary + "\n")
		}
	}

	if len(a.children) > 0 {
		b.WriteString("\n## Your children\n")
		for _, id := range a.children {
			b.WriteString("- " + id + "\n")
		}
	}
	if len(a.todos) > 0 {
		b.WriteString("\n## Todo list\n")
		for _, t := range a.todos {
			b.WriteString(fmt.Sprintf("- [%s] %s\n", t.State, t.Content))
		}
	}
	if len(a.activeSkills) > 0 {
		b.WriteString("\n## Active skills\n")
		for _, s := range a.activeSkills {
			b.WriteString("### " + s.Name + "\n" + s.Content + "\n")
		}
	}

	if a.budget.IsCapped() {
		b.WriteString(fmt.Sprintf("\n## Budget\nAllocated %s, committed to children %s. Spawning children requires an explicit budget.\n",
			a.budget.Allocated, a.budget.Committed))
	}

	b.WriteString("\n## Actions\nRespond with exactly one JSON object: {\"action\": <type>, \"params\": {...}, \"reasoning\": <short>}. Available actions:\n")
	for _, schema := range action.ForCapabilities(a.cfg.CapabilityGroups) {
		b.WriteString(fmt.Sprintf("\n### %s\nWhen: %s\nHow: %s\nParams:", schema.Type, schema.When, schema.How))
		for name, spec := range schema.Params {
			req := ""
			if spec.Required {
				req = " (required)"
			}
			b.WriteString(" " + name + req + ";")
		}
		b.WriteString("\n")
	}
	b.WriteString("\nSeveral model instances receive this same prompt; your answers are merged by consensus, so prefer conventional, predictable parameter values.\n")

	return b.String()
}

// parseActionResponse extracts the {action, params, reasoning} object
// from a model reply, tolerating surrounding prose and code fences.
func parseActionResponse(content string) (action.Spec, error) {
	raw := extractJSONObject(content)
	if raw == "" {
		return action.Spec{}, fmt.Errorf("no JSON object in response")
	}

	var parsed struct {
		Action    string                 `json:"action"`
		Params    map[string]interface{} `json:"params"`
		Reasoning string                 `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return action.Spec{}, fmt.Errorf("decode action: %w", err)
	}
	if parsed.Action == "" {
		return action.Spec{}, fmt.Errorf("response has no action field")
	}

	return action.Spec{
		Type:      action.NormalizeKey(parsed.Action),
		Params:    action.ParamsFromAny(parsed.Params),
		Reasoning: parsed.Reasoning,
	}, nil
}

// extractJSONObject returns the outermost {...} span, skipping
// markdown fences.
func extractJSONObject(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = strings.ReplaceAll(s, "```json", "```")
		parts := strings.SplitN(s, "```", 3)
		if len(parts) >= 2 && strings.Contains(parts[1], "{") {
			s = parts[1]
		}
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// maybeCondenseHistories summarizes the older half of any model
// history that outgrew the configured bound. Each model condenses its
// own view, so different models legitimately see different condensed
// histories. Best-effort: a failed summary leaves the history as is.
func (a *Agent) maybeCondenseHistories() {
	limit := a.cfg.HistoryCondenseAfter
	if limit <= 0 {
		return
	}
	for modelSpec, history := range a.histories {
		if len(history) <= limit {
			continue
		}
		half := len(history) / 2
		summary, err := a.summarize(modelSpec, history[:half])
		if err != nil {
			a.log("warn", "history condensation failed", "model", modelSpec, "error", err.Error())
			continue
		}
		condensed := make([]HistoryEntry, 0, len(history)-half+1)
		condensed = append(condensed, HistoryEntry{
			Type:      "user",
			Content:   "[condensed history] " + summary,
			Timestamp: time.Now().UTC(),
		})
		condensed = append(condensed, history[half:]...)
		a.histories[modelSpec] = condensed
		a.log("info", "history condensed", "model", modelSpec, "dropped", fmt.Sprintf("%d", half))
	}
}

func (a *Agent) summarize(modelSpec string, entries []HistoryEntry) (string, error) {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.Type + ": " + e.Content + "\n")
	}
	messages := []providers.Message{
		{Role: "system", Content: "Condense the following agent transcript into a short factual summary preserving decisions, results and open threads."},
		{Role: "user", Content: b.String()},
	}
	resp, err := a.cfg.Models.GenerateText(a.ctx, modelSpec, messages, providers.Options{MaxTokens: 1024})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}
