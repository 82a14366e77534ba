// ABOUTME: Transcript export as a standalone HTML page.
// ABOUTME: Message bodies are markdown, rendered through goldmark.

package export

import (
	"bytes"
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/yuin/goldmark"

	"github.com/purl-chat/purl-client/internal/wire"
)

// Options labels the two participants in the exported page.
type Options struct {
	Title     string
	AgentName string
	UserName  string
}

type renderedMessage struct {
	Author    string
	FromAgent bool
	Body      template.HTML
	Thought   string
	Status    wire.Status
	Timestamp string
}

type pageData struct {
	Title      string
	Exported   string
	Messages   []renderedMessage
	AgentName  string
	UserName   string
	TotalCount int
}

// HTML writes the transcript as a self-contained HTML document. The
// synthetic thinking placeholder is never exported.
func HTML(w io.Writer, messages []wire.Message, opts Options) error {
	if opts.Title == "" {
		opts.Title = "Chat transcript"
	}
	if opts.AgentName == "" {
		opts.AgentName = "Agent"
	}
	if opts.UserName == "" {
		opts.UserName = "You"
	}

	data := pageData{
		Title:     opts.Title,
		Exported:  time.Now().Format("2006-01-02 15:04"),
		AgentName: opts.AgentName,
		UserName:  opts.UserName,
	}

	for _, m := range messages {
		if m.IsThinking() {
			continue
		}

		var htmlBuf bytes.Buffer
		if err := goldmark.Convert([]byte(m.Content), &htmlBuf); err != nil {
			return fmt.Errorf("rendering message %s: %w", m.ID, err)
		}

		author := opts.UserName
		if m.FromAgent {
			author = opts.AgentName
		}
		data.Messages = append(data.Messages, renderedMessage{
			Author:    author,
			FromAgent: m.FromAgent,
			Body:      template.HTML(htmlBuf.String()),
			Thought:   m.Thought,
			Status:    m.Status,
			Timestamp: m.CreatedAt.Format("15:04:05"),
		})
	}
	data.TotalCount = len(data.Messages)

	return pageTemplate.Execute(w, data)
}

var pageTemplate = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
  body { font-family: system-ui, sans-serif; max-width: 42rem; margin: 2rem auto; padding: 0 1rem; color: #222; }
  header { border-bottom: 1px solid #ddd; margin-bottom: 1.5rem; padding-bottom: 0.5rem; }
  header p { color: #777; font-size: 0.85rem; }
  .msg { margin-bottom: 1.25rem; }
  .msg .meta { font-size: 0.8rem; color: #777; margin-bottom: 0.15rem; }
  .msg .author { font-weight: 600; color: #444; }
  .msg.agent .author { color: #6b4fa0; }
  .msg .body { background: #f6f6f8; border-radius: 8px; padding: 0.5rem 0.9rem; }
  .msg.agent .body { background: #f0ebfa; }
  .msg .body p:first-child { margin-top: 0.25rem; }
  .msg .body p:last-child { margin-bottom: 0.25rem; }
  .thought { font-style: italic; color: #999; font-size: 0.85rem; margin-top: 0.25rem; }
  .status-error { color: #b00020; font-size: 0.8rem; }
  .status-pending { color: #999; font-size: 0.8rem; }
</style>
</head>
<body>
<header>
  <h1>{{.Title}}</h1>
  <p>{{.AgentName}} &amp; {{.UserName}} &middot; {{.TotalCount}} messages &middot; exported {{.Exported}}</p>
</header>
{{range .Messages}}<div class="msg{{if .FromAgent}} agent{{end}}">
  <div class="meta"><span class="author">{{.Author}}</span> {{.Timestamp}}{{if eq .Status "error"}} <span class="status-error">failed to send</span>{{else if eq .Status "pending"}} <span class="status-pending">sending&hellip;</span>{{end}}</div>
  <div class="body">{{.Body}}</div>
  {{if .Thought}}<div class="thought">{{.Thought}}</div>{{end}}
</div>
{{end}}</body>
</html>
`))
