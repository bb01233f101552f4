package handler

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"calbot/internal/model"
)

// DefaultDateFormat renders as "19:00 22/10/2026".
const DefaultDateFormat = "15:04 02/01/2006"

// DefaultTemplate is used when no announcement lines are configured.
var DefaultTemplate = []string{
	"**{{.Title}}**",
	"{{.Date}}",
	"{{.URL}}",
	"",
	"{{.Description}}",
}

// Announcement is the data available to the announcement template.
type Announcement struct {
	Title       string
	Date        string
	URL         string
	Location    string
	Description string
}

// Renderer formats announcement messages.
type Renderer struct {
	tmpl       *template.Template
	dateFormat string
	loc        *time.Location
}

// NewRenderer parses the template lines, which are joined with newlines.
func NewRenderer(lines []string, dateFormat string, loc *time.Location) (*Renderer, error) {
	if len(lines) == 0 {
		lines = DefaultTemplate
	}
	if dateFormat == "" {
		dateFormat = DefaultDateFormat
	}
	if loc == nil {
		loc = time.UTC
	}
	tmpl, err := template.New("announcement").Option("missingkey=error").Parse(strings.Join(lines, "\n"))
	if err != nil {
		return nil, fmt.Errorf("parse announcement template: %w", err)
	}
	return &Renderer{tmpl: tmpl, dateFormat: dateFormat, loc: loc}, nil
}

// Render returns the announcement for data. url is the platform link to
// the scheduled event.
func (r *Renderer) Render(data model.EventData, url string) (string, error) {
	var b strings.Builder
	err := r.tmpl.Execute(&b, Announcement{
		Title:       data.Name,
		Date:        data.Start.In(r.loc).Format(r.dateFormat),
		URL:         url,
		Location:    data.Location,
		Description: data.Description,
	})
	if err != nil {
		return "", fmt.Errorf("render announcement for %s: %w", data.Name, err)
	}
	return strings.TrimSpace(b.String()), nil
}
