package zarr

import (
	"context"
	"encoding/json"
	"html/template"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/freva-org/freva-rest/internal/models"
)

// previewTemplate renders a small summary page for one zarr store: the job
// state plus the consolidated metadata entries.
var previewTemplate = template.Must(template.New("zarr-preview").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <title>Zarr store {{.Token}}</title>
  <style>
    body { font-family: sans-serif; margin: 2em; }
    table { border-collapse: collapse; }
    td, th { border: 1px solid #ccc; padding: 0.3em 0.8em; text-align: left; }
    code { background: #f4f4f4; padding: 0.1em 0.3em; }
  </style>
</head>
<body>
  <h1>Zarr store <code>{{.Token}}.zarr</code></h1>
  <table>
    <tr><th>Status</th><td>{{.StatusText}}</td></tr>
    <tr><th>Owner</th><td>{{.Owner}}</td></tr>
    <tr><th>Expires</th><td>{{.Expiry}}</td></tr>
    <tr><th>Paths</th><td>{{range .Paths}}<code>{{.}}</code><br>{{end}}</td></tr>
  </table>
  {{if .Variables}}
  <h2>Variables</h2>
  <ul>
  {{range .Variables}}<li><code>{{.}}</code></li>
  {{end}}</ul>
  {{end}}
  {{if .Metadata}}
  <h2>Consolidated metadata</h2>
  <pre>{{.Metadata}}</pre>
  {{end}}
</body>
</html>
`))

type previewData struct {
	Token      string
	StatusText string
	Owner      string
	Expiry     string
	Paths      []string
	Variables  []string
	Metadata   string
}

var statusNames = map[int]string{
	models.ZarrQueued:  "queued",
	models.ZarrRunning: "running",
	models.ZarrReady:   "ready",
	models.ZarrFailed:  "failed",
}

// WritePreview renders the HTML summary of one job. Metadata is best
// effort: a store that has not been written yet still gets a status page.
func (b *Broker) WritePreview(ctx context.Context, w io.Writer, token string) error {
	job, err := b.Job(ctx, token)
	if err != nil {
		return err
	}
	data := previewData{
		Token:      token,
		StatusText: statusNames[job.Status],
		Owner:      job.Owner,
		Expiry:     job.Expiry.Format(time.RFC3339),
		Paths:      job.Paths,
	}
	if job.Reason != "" && job.Status == models.ZarrFailed {
		data.StatusText += " (" + job.Reason + ")"
	}

	if raw, _, err := b.ReadKey(ctx, token, ".zmetadata"); err == nil {
		var consolidated struct {
			Metadata map[string]json.RawMessage `json:"metadata"`
		}
		if json.Unmarshal(raw, &consolidated) == nil {
			vars := map[string]bool{}
			for key := range consolidated.Metadata {
				if name, _, found := strings.Cut(key, "/"); found {
					vars[name] = true
				}
			}
			for name := range vars {
				data.Variables = append(data.Variables, name)
			}
			sort.Strings(data.Variables)
		}
		if pretty, err := json.MarshalIndent(json.RawMessage(raw), "", "  "); err == nil {
			data.Metadata = string(pretty)
		}
	}
	return previewTemplate.Execute(w, data)
}
