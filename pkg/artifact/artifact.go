// Package artifact renders a finished job's results into the HTML page
// published to the job's output bucket.
package artifact

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/3leaps/ocrfleet/pkg/jobregistry"
)

const (
	// NamePrefix starts every artifact object name.
	NamePrefix = "text.images"

	// NameSuffix ends every artifact object name.
	NameSuffix = ".html"
)

const pageTemplate = `<html>
	<head>
		<title>OCR</title>
	</head>
	<body>
{{- range .}}
		<p>
			<img src="{{.SourceURL}}">
			<br>
			{{.Text}}
		</p>
{{- end}}
	</body>
</html>
`

var page = template.Must(template.New("ocr-page").Parse(pageTemplate))

// Render returns the HTML page for fragments, one paragraph per fragment in
// the given order. Source URLs and text are escaped.
func Render(fragments []jobregistry.Fragment) (string, error) {
	var buf bytes.Buffer
	if err := page.Execute(&buf, fragments); err != nil {
		return "", fmt.Errorf("render artifact: %w", err)
	}
	return buf.String(), nil
}

// NewName returns a collision-resistant object name of the form
// text.images<unix millis>-<8 hex chars>.html.
func NewName(now time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%d-%s%s", NamePrefix, now.UnixMilli(), id, NameSuffix)
}
