package notify

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"strings"
)

//go:embed templates/alert.html
var alertHTML string

var alertTmpl = template.Must(template.New("alert").Parse(alertHTML))

type alertData struct {
	Keywords []string
	Sender   string
	Message  string
}

// renderAlertEmail renders the HTML body for an alert email. Keyword badges keep the rule's listing order;
// sender and message are escaped by the template engine.
func renderAlertEmail(keywords []string, sender, message string) (string, error) {
	trimmed := make([]string, 0, len(keywords))
	for _, k := range keywords {
		trimmed = append(trimmed, strings.TrimSpace(k))
	}

	var buf bytes.Buffer
	err := alertTmpl.Execute(&buf, alertData{Keywords: trimmed, Sender: sender, Message: message})
	if err != nil {
		return "", fmt.Errorf("render alert template: %w", err)
	}
	return buf.String(), nil
}
