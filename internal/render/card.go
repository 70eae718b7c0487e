package render

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/kalambet/notepipe/internal/note"
)

type cardTemplate struct {
	tmpl *template.Template
}

type cardData struct {
	Note     note.StructuredNote
	Meta     Meta
	Created  string
	Duration string
}

func newCardTemplate() *cardTemplate {
	// Model output is untrusted; strip any markup before it reaches the page.
	policy := bluemonday.StrictPolicy()
	funcs := template.FuncMap{
		"clean": func(s string) template.HTML {
			return template.HTML(policy.Sanitize(s))
		},
		"priorityText": func(p note.Priority) string {
			switch p {
			case note.PriorityHigh:
				return "High"
			case note.PriorityLow:
				return "Low"
			default:
				return "Medium"
			}
		},
		"priorityClass": func(p note.Priority) string {
			switch p {
			case note.PriorityHigh:
				return "prio-h"
			case note.PriorityLow:
				return "prio-l"
			default:
				return "prio-m"
			}
		},
	}
	return &cardTemplate{tmpl: template.Must(template.New("card").Funcs(funcs).Parse(cardHTML))}
}

func (c *cardTemplate) render(n note.StructuredNote, meta Meta) ([]byte, error) {
	data := cardData{
		Note:    n,
		Meta:    meta,
		Created: meta.CreatedAt.Local().Format("Jan 2, 2006 15:04"),
	}
	if meta.DurationSeconds > 0 {
		data.Duration = (time.Duration(meta.DurationSeconds * float64(time.Second))).Round(time.Second).String()
	}

	var buf bytes.Buffer
	if err := c.tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("rendering card: %w", err)
	}
	return buf.Bytes(), nil
}

const cardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Note.Title}}</title>
<style>
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",sans-serif;background:#f8fafc;color:#111827;margin:0;padding:2rem}
.card{max-width:48rem;margin:0 auto;background:#fff;border:1px solid #e5e7eb;border-radius:12px;padding:1.5rem 2rem}
h1{font-size:1.5rem;margin:0 0 .5rem}
h3{font-size:1.05rem;margin:1.5rem 0 .5rem}
.meta{color:#6b7280;font-size:.85rem}
.badge{display:inline-block;border:1px solid #e5e7eb;border-radius:999px;padding:.1rem .6rem;font-size:.8rem;margin:0 .25rem .25rem 0}
.category{background:#eff6ff;color:#1d4ed8;border-color:#bfdbfe}
.prio-h{background:#fef2f2;color:#b91c1c;border-color:#fecaca}
.prio-m{background:#fffbeb;color:#b45309;border-color:#fde68a}
.prio-l{background:#f0fdf4;color:#15803d;border-color:#bbf7d0}
ul{padding-left:1.25rem}
li{margin:.25rem 0}
.action{display:flex;justify-content:space-between;gap:1rem}
.due{color:#6b7280;font-size:.85rem}
details{margin-top:1.5rem}
.transcript{white-space:pre-wrap;line-height:1.5}
</style>
</head>
<body>
<article class="card">
<header>
<h1>{{clean .Note.Title}}</h1>
<div class="meta">{{.Created}}{{if .Duration}} · {{.Duration}}{{end}}{{if .Meta.TranscriptionModel}} · {{.Meta.TranscriptionModel}}{{end}}</div>
<div><span class="badge category">{{clean .Note.Category}}</span>{{range .Note.Tags}}<span class="badge">#{{clean .}}</span>{{end}}</div>
</header>
{{if .Note.SummaryShort}}<section><h3>Summary</h3><p>{{clean .Note.SummaryShort}}</p></section>{{end}}
{{if .Note.KeyPoints}}<section><h3>Key Points</h3><ul>{{range .Note.KeyPoints}}<li>{{clean .}}</li>{{end}}</ul></section>{{end}}
{{if .Note.ActionItems}}<section><h3>Action Items</h3><ul>{{range .Note.ActionItems}}
<li class="action"><span>{{clean .Description}}{{if .Due}} <span class="due">due {{clean .Due}}</span>{{end}}</span><span class="badge {{priorityClass .Priority}}">{{priorityText .Priority}}</span></li>{{end}}
</ul></section>{{end}}
{{if .Note.Decisions}}<section><h3>Decisions</h3><ul>{{range .Note.Decisions}}<li>{{clean .}}</li>{{end}}</ul></section>{{end}}
{{if .Note.Questions}}<section><h3>Open Questions</h3><ul>{{range .Note.Questions}}<li>{{clean .}}</li>{{end}}</ul></section>{{end}}
{{if .Note.People}}<section><h3>People</h3><div>{{range .Note.People}}<span class="badge">{{clean .}}</span>{{end}}</div></section>{{end}}
{{if .Note.Entities}}<section><h3>Entities</h3><div>{{range .Note.Entities}}<span class="badge" title="{{.Type}}">{{clean .Text}}</span>{{end}}</div></section>{{end}}
{{if .Note.TimeExtractions}}<section><h3>Dates &amp; Times</h3><ul>{{range .Note.TimeExtractions}}<li>{{clean .Text}}{{if .Normalized}} <span class="due">{{clean .Normalized}}</span>{{end}} <span class="badge">{{.Kind}}</span></li>{{end}}</ul></section>{{end}}
{{if .Note.CleanedTranscript}}<details open><summary>Cleaned Transcript</summary><div class="transcript">{{clean .Note.CleanedTranscript}}</div></details>{{end}}
{{if .Meta.RawTranscript}}<details><summary>Original Transcript</summary><div class="transcript">{{clean .Meta.RawTranscript}}</div></details>{{end}}
</article>
</body>
</html>
`
