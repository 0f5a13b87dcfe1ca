package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var bookTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
	}
	bookTemplate = template.Must(template.New("book").Funcs(funcMap).Parse(memoryBookTemplate))
}

// RenderMemoryBookHTML renders the memory book template with provided data
func RenderMemoryBookHTML(book MemoryBook) (string, error) {
	var buf bytes.Buffer
	if err := bookTemplate.Execute(&buf, book); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const memoryBookTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.CapsuleName}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; color: #222; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    h2 { margin-top: 2.5rem; color: #444; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .item { margin: 1.5rem 0; padding: 1rem; background: #fafafa; border-left: 3px solid #333; page-break-inside: avoid; }
    .item h3 { margin: 0 0 0.25rem; }
    .category { color: #888; font-size: 0.8em; text-transform: uppercase; letter-spacing: 0.05em; }
    .notes { font-style: italic; margin-top: 0.5rem; }
    .timeline { margin-top: 0.75rem; font-size: 0.85em; color: #555; }
    .timeline li { margin: 0.15rem 0; }
  </style>
</head>
<body>
  <h1>{{.CapsuleName}}</h1>
  <div class="meta">
    {{range $i, $m := .Members}}{{if $i}} &amp; {{end}}{{$m.DisplayName}}{{end}}
    | {{formatDate .GeneratedAt "Jan 2, 2006"}}
  </div>
  {{range .Sections}}{{if .Items}}
  <h2>{{.Label}}</h2>
  {{range .Items}}
  <div class="item">
    <h3>{{.Title}}</h3>
    <div class="category">{{.Category}}</div>
    {{if .Description}}<p>{{.Description}}</p>{{end}}
    {{if .ResolutionNotes}}<p class="notes">How we worked it out: {{.ResolutionNotes}}</p>{{end}}
    {{if .ConfirmedAt}}<p class="meta">Confirmed {{.ConfirmedAt}}</p>{{end}}
    {{if .CompletedAt}}<p class="meta">Completed {{.CompletedAt}}</p>{{end}}
    {{if .Timeline}}
    <ul class="timeline">
      {{range .Timeline}}<li>{{.When}} — {{.Action}}{{if .Note}}: {{.Note}}{{end}}</li>{{end}}
    </ul>
    {{end}}
  </div>
  {{end}}
  {{end}}{{end}}
</body>
</html>`
