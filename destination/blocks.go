package destination

import (
	"fmt"
	"strings"
	"time"
)

// Notion page payload shapes. Only the fields the pipeline writes.

type pageRequest struct {
	Parent     pageParent       `json:"parent"`
	Properties map[string]any   `json:"properties"`
	Children   []map[string]any `json:"children"`
}

type pageParent struct {
	DatabaseID string `json:"database_id"`
}

// buildPage assembles the destination item: title, AI summary, key points
// as checkable items, participants, the full thread, a metadata block, and
// a deep link back to the source thread.
func (c *Creator) buildPage(req Request) pageRequest {
	titleProp := req.Output.OutputConfig.TitleProperty
	if titleProp == "" {
		titleProp = defaultTitleProperty
	}

	children := []map[string]any{
		heading("Summary"),
		paragraph(req.Summary.Summary),
	}

	if len(req.Summary.KeyPoints) > 0 {
		children = append(children, heading("Key Points"))
		for _, kp := range req.Summary.KeyPoints {
			children = append(children, todo(kp))
		}
	}

	if req.Thread != nil && len(req.Thread.Participants) > 0 {
		children = append(children,
			heading("Participants"),
			paragraph(strings.Join(req.Thread.Participants, ", ")),
		)
	}

	if req.Thread != nil {
		children = append(children, heading("Thread"))
		for _, m := range req.Thread.AllMessages() {
			children = append(children, paragraph(fmt.Sprintf("%s: %s", m.AuthorHandle, m.Content)))
		}
	}

	if req.Source != nil {
		children = append(children, heading("Details"), metadataBlock(req))
		if req.Source.SourceURL != "" {
			children = append(children, bookmark(req.Source.SourceURL))
		}
	}

	return pageRequest{
		Parent: pageParent{DatabaseID: req.Output.OutputConfig.DatabaseID},
		Properties: map[string]any{
			titleProp: map[string]any{
				"title": []map[string]any{richText(req.Task.Title)},
			},
		},
		Children: children,
	}
}

func metadataBlock(req Request) map[string]any {
	lines := []string{
		fmt.Sprintf("Source: %s", req.Source.SourceType),
		fmt.Sprintf("Thread: %s", req.Source.SourceThreadID),
		fmt.Sprintf("Messages: %d", req.Thread.MessageCount()),
		fmt.Sprintf("Author: %s", req.Source.AuthorHandle),
		fmt.Sprintf("Priority: %s", req.Task.Priority),
		fmt.Sprintf("Sentiment: %s", req.Summary.Sentiment),
		fmt.Sprintf("Confidence: %.2f", req.Summary.Confidence),
		fmt.Sprintf("Captured: %s", req.Source.Timestamp.UTC().Format(time.RFC3339)),
	}
	if req.Task.Assignee != "" {
		lines = append(lines, fmt.Sprintf("Assignee: %s", req.Task.Assignee))
	}
	if len(req.Task.Tags) > 0 {
		lines = append(lines, fmt.Sprintf("Tags: %s", strings.Join(req.Task.Tags, ", ")))
	}
	return callout(strings.Join(lines, "\n"))
}

func heading(text string) map[string]any {
	return map[string]any{
		"object": "block",
		"type":   "heading_2",
		"heading_2": map[string]any{
			"rich_text": []map[string]any{richText(text)},
		},
	}
}

func paragraph(text string) map[string]any {
	return map[string]any{
		"object": "block",
		"type":   "paragraph",
		"paragraph": map[string]any{
			"rich_text": []map[string]any{richText(text)},
		},
	}
}

func todo(text string) map[string]any {
	return map[string]any{
		"object": "block",
		"type":   "to_do",
		"to_do": map[string]any{
			"rich_text": []map[string]any{richText(text)},
			"checked":   false,
		},
	}
}

func callout(text string) map[string]any {
	return map[string]any{
		"object": "block",
		"type":   "callout",
		"callout": map[string]any{
			"rich_text": []map[string]any{richText(text)},
			"icon":      map[string]any{"type": "emoji", "emoji": "🧵"},
		},
	}
}

func bookmark(url string) map[string]any {
	return map[string]any{
		"object": "block",
		"type":   "bookmark",
		"bookmark": map[string]any{
			"url": url,
		},
	}
}

// richText builds one rich_text element, truncated to the API's per-element
// limit.
func richText(text string) map[string]any {
	if len(text) > maxRichTextLen {
		text = text[:maxRichTextLen] + "..."
	}
	return map[string]any{
		"type": "text",
		"text": map[string]any{"content": text},
	}
}
