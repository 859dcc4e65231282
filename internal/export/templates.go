package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var documentTemplate = template.Must(template.New("document").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(documentHTML))

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title        string
	Student      string
	AcademicYear string
	Paragraphs   []string
	Author       string
	UpdatedAt    time.Time
	Status       string
	Contributors []Contributor
}

func newTemplateData(ref Reference) TemplateData {
	status := "Draft"
	if ref.Complete {
		status = "Complete"
		if ref.CompletedBy != "" {
			status += " (" + ref.CompletedBy + ")"
		}
	}
	return TemplateData{
		Title:        "Academic Reference",
		Student:      ref.StudentEmail,
		AcademicYear: ref.AcademicYear,
		Paragraphs:   paragraphs(ref.Text),
		Author:       ref.UpdatedBy,
		UpdatedAt:    ref.UpdatedAt,
		Status:       status,
		Contributors: ref.Contributors,
	}
}

// paragraphs splits text on blank lines; single newlines stay inside a
// paragraph.
func paragraphs(text string) []string {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, block := range strings.Split(normalized, "\n\n") {
		if trimmed := strings.TrimSpace(block); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// RenderDocumentHTML renders the document template with provided data
func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const documentHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}} - {{.Student}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .contributors { margin-top: 2rem; font-size: 0.9em; }
    p { white-space: pre-line; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.Student}} | {{.AcademicYear}} | {{.Status}}{{if .Author}} | {{.Author}}{{end}}{{if not .UpdatedAt.IsZero}} | {{formatDate .UpdatedAt "Jan 2, 2006"}}{{end}}</div>
  {{range .Paragraphs}}<p>{{.}}</p>
  {{end}}
  {{if .Contributors}}
  <div class="contributors">
    <h2>Contributors</h2>
    <ul>
    {{range .Contributors}}<li>{{.Name}}{{if .Subject}} ({{.Subject}}){{end}}</li>
    {{end}}
    </ul>
  </div>
  {{end}}
</body>
</html>`
