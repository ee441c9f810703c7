package analysis

import (
	"fmt"
	"strings"

	"taskbridge/discussion"
)

const defaultSummaryPrompt = `You are a discussion triage assistant. Summarize the conversation in 2-3 sentences, list the key points that were raised, and judge the overall sentiment (positive, neutral, negative).`

const defaultTaskPrompt = `Extract every concrete, actionable item from the discussion. For each task provide a short imperative title, a description with enough context to act on it, a priority (high, medium, low), an optional assignee handle if one was clearly volunteered or assigned, and optional tags. Classify each task into exactly one of the allowed domains, or null when none clearly applies. Never use a domain outside the allowed list.`

const outputContract = `Respond with a single JSON object:
{
  "summary": string,
  "key_points": [string],
  "sentiment": "positive" | "neutral" | "negative",
  "confidence": number between 0 and 1,
  "tasks": [
    {
      "title": string,
      "description": string,
      "priority": "high" | "medium" | "low",
      "assignee": string or "",
      "tags": [string],
      "domain": string or null
    }
  ]
}`

// systemPrompt assembles the tenant prompts, the domain vocabulary and the
// output contract into one system message.
func systemPrompt(in Input) string {
	summary := strings.TrimSpace(in.SummaryPrompt)
	if summary == "" {
		summary = defaultSummaryPrompt
	}
	tasks := strings.TrimSpace(in.TaskPrompt)
	if tasks == "" {
		tasks = defaultTaskPrompt
	}

	var b strings.Builder
	b.WriteString(summary)
	b.WriteString("\n\n")
	b.WriteString(tasks)
	b.WriteString("\n\nAllowed domains: ")
	if len(in.Domains) == 0 {
		b.WriteString("(none configured; use null for every task)")
	} else {
		b.WriteString(strings.Join(in.Domains, ", "))
	}
	b.WriteString("\n\n")
	b.WriteString(outputContract)
	return b.String()
}

// userPrompt renders the discussion content and thread for the model.
// Long threads are truncated from the middle so the root message and the
// latest replies both survive.
func userPrompt(in Input) string {
	var b strings.Builder
	b.WriteString("Discussion:\n")
	b.WriteString(in.Content)

	if in.Thread != nil {
		msgs := in.Thread.AllMessages()
		if len(msgs) > maxPromptMessages {
			head := msgs[:maxPromptMessages/2]
			tail := msgs[len(msgs)-maxPromptMessages/2:]
			msgs = append(append([]discussion.Message{}, head...), tail...)
			b.WriteString(fmt.Sprintf("\n\nThread (%d messages, truncated):\n", in.Thread.MessageCount()))
		} else {
			b.WriteString(fmt.Sprintf("\n\nThread (%d messages):\n", in.Thread.MessageCount()))
		}
		for _, m := range msgs {
			b.WriteString(fmt.Sprintf("[%s] %s: %s\n", m.Timestamp.Format("2006-01-02 15:04"), m.AuthorHandle, m.Content))
		}
	}

	b.WriteString("\nAnalyze this discussion.")
	return b.String()
}

const maxPromptMessages = 60
