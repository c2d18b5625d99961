package notify

import (
	"bytes"
	"fmt"
	"strconv"
	"text/template"

	"github.com/septivank/kpi-notification-worker/internal/threshold"
)

// Email is one message handed to a Mailer
type Email struct {
	To      string
	Subject string
	Body    string
}

// AlertContent is the data rendered into an alert email
type AlertContent struct {
	KpiName        string
	CurrentValue   float64
	ThresholdValue float64
	Operator       threshold.Operator
	DateRange      string
	AlertFrequency string
	DashboardURL   string
}

var alertBody = template.Must(template.New("alert").Funcs(template.FuncMap{
	"num": formatNumber,
}).Parse(`Hello,

The KPI "{{.KpiName}}" has crossed your alert threshold.

  Current value:   {{num .CurrentValue}}
  Threshold:       {{.Operator.Phrase}} {{num .ThresholdValue}} ({{.Operator}})
  Reporting period: {{.DateRange}}
  Alert frequency: {{.AlertFrequency}}
{{if .DashboardURL}}
View the dashboard: {{.DashboardURL}}
{{end}}
You are receiving this email because you created a notification preference for this KPI.
`))

// ComposeAlert renders the subject and body of an alert email
func ComposeAlert(to string, c AlertContent) (Email, error) {
	var body bytes.Buffer
	if err := alertBody.Execute(&body, c); err != nil {
		return Email{}, fmt.Errorf("failed to render alert email: %w", err)
	}
	return Email{
		To:      to,
		Subject: fmt.Sprintf("KPI Alert: %s", c.KpiName),
		Body:    body.String(),
	}, nil
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
