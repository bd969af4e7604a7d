package template

import (
	"bytes"
	"fmt"
	"html"
	htmlTemplate "html/template"
	"strings"
	textTemplate "text/template"

	"github.com/microcosm-cc/bluemonday"

	"github.com/foxzi/outreach/internal/models"
)

// Engine renders outreach templates. Unknown fields fail rendering instead
// of producing "<no value>" in a sent message.
type Engine struct {
	strip *bluemonday.Policy
}

// NewEngine creates a new template engine
func NewEngine() *Engine {
	return &Engine{strip: bluemonday.StripTagsPolicy()}
}

// Render renders a template for one recipient. When the template has no
// text part, one is derived from the HTML.
func (e *Engine) Render(tmpl *models.Template, data Data) (*Result, error) {
	result := &Result{}

	subject, err := renderText("subject", tmpl.Subject, data)
	if err != nil {
		return nil, fmt.Errorf("failed to render subject: %w", err)
	}
	result.Subject = strings.TrimSpace(subject)

	if tmpl.HTML != "" {
		out, err := renderHTML(tmpl.HTML, data)
		if err != nil {
			return nil, fmt.Errorf("failed to render html: %w", err)
		}
		result.HTML = out
	}

	if tmpl.Text != "" {
		text, err := renderText("text", tmpl.Text, data)
		if err != nil {
			return nil, fmt.Errorf("failed to render text: %w", err)
		}
		result.Text = text
	} else if result.HTML != "" {
		result.Text = e.PlainText(result.HTML)
	}

	if result.Subject == "" {
		return nil, fmt.Errorf("template %s rendered an empty subject", tmpl.ID)
	}
	if result.HTML == "" && result.Text == "" {
		return nil, fmt.Errorf("template %s has no body", tmpl.ID)
	}

	return result, nil
}

// PlainText strips markup from rendered HTML
func (e *Engine) PlainText(htmlBody string) string {
	text := e.strip.Sanitize(htmlBody)
	text = html.UnescapeString(text)

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" && len(kept) > 0 && kept[len(kept)-1] == "" {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// Validate checks template syntax
func (e *Engine) Validate(tmpl *models.Template) error {
	if strings.TrimSpace(tmpl.Subject) == "" {
		return fmt.Errorf("subject is required")
	}
	if tmpl.HTML == "" && tmpl.Text == "" {
		return fmt.Errorf("html or text body is required")
	}

	if _, err := textTemplate.New("subject").Parse(tmpl.Subject); err != nil {
		return fmt.Errorf("invalid subject template: %w", err)
	}
	if tmpl.HTML != "" {
		if _, err := htmlTemplate.New("html").Parse(tmpl.HTML); err != nil {
			return fmt.Errorf("invalid html template: %w", err)
		}
	}
	if tmpl.Text != "" {
		if _, err := textTemplate.New("text").Parse(tmpl.Text); err != nil {
			return fmt.Errorf("invalid text template: %w", err)
		}
	}

	return nil
}

func renderText(name, src string, data Data) (string, error) {
	t, err := textTemplate.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func renderHTML(src string, data Data) (string, error) {
	t, err := htmlTemplate.New("html").Option("missingkey=error").Parse(src)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
