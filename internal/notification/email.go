package notification

import (
	"bytes"
	"fmt"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/smukkama/epidemic-metrics/internal/protocol"
	"github.com/smukkama/epidemic-metrics/pkg/config"
)

var changedTemplate = template.Must(template.New("changed").Parse(`
Alert Condition {{.Verb}}
{{.Rule}}

Location: {{.Location}}
Report Date: {{.Alert.Date}}
{{- if .Alert.Previous}}
Previous Condition: {{.Alert.Previous}}
{{- end}}
Current Condition: {{.Alert.Current}}
Detected At: {{.Alert.DetectedAt.Format "2006-01-02 15:04:05 MST"}}

Description:
{{- if eq .Alert.Type "INITIAL"}}
The first alert condition for {{.Location}} has been calculated as {{.Alert.Current}}.
{{- else}}
The alert condition for {{.Location}} moved from {{.Alert.Previous}} to {{.Alert.Current}}.
{{- end}}

---
Epidemic Metrics Notification System
`))

type templateData struct {
	Alert    *protocol.AlertNotification
	Verb     string
	Rule     string
	Location string
}

// EmailNotifier sends email notifications
type EmailNotifier struct {
	config   *config.SMTPConfig
	clock    clockwork.Clock
	logger   *zap.Logger
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailNotifier(cfg *config.SMTPConfig, clock clockwork.Clock, logger *zap.Logger) *EmailNotifier {
	return &EmailNotifier{
		config:   cfg,
		clock:    clock,
		logger:   logger,
		sendMail: smtp.SendMail,
	}
}

// Render builds the subject and body of an alert notification email.
func Render(n *protocol.AlertNotification) (subject, body string, err error) {
	var verb string
	switch n.Type {
	case protocol.AlertTypeInitial:
		verb = "Reported"
	case protocol.AlertTypeEscalated:
		verb = "ESCALATED"
	case protocol.AlertTypeDeescalated:
		verb = "De-escalated"
	default:
		return "", "", fmt.Errorf("unknown notification type: %s", n.Type)
	}

	location := fmt.Sprintf("location %d", n.LocationID)
	if n.LocationName != "" {
		location = fmt.Sprintf("%s (%d)", n.LocationName, n.LocationID)
	}

	heading := "Alert Condition " + verb
	data := templateData{
		Alert:    n,
		Verb:     verb,
		Rule:     strings.Repeat("=", len(heading)),
		Location: location,
	}

	var buf bytes.Buffer
	if err := changedTemplate.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("failed to render email template: %w", err)
	}

	subject = fmt.Sprintf("Alert condition %s - %s: %s", strings.ToLower(verb), location, n.Current)
	return subject, buf.String(), nil
}

// SendAlertNotification sends an email for an alert notification
func (e *EmailNotifier) SendAlertNotification(n *protocol.AlertNotification) error {
	subject, body, err := Render(n)
	if err != nil {
		return err
	}
	return e.sendEmail(subject, body)
}

func (e *EmailNotifier) sendEmail(subject, body string) error {
	if e.config.Username == "" || e.config.Password == "" {
		e.logger.Info("SMTP not configured, skipping email", zap.String("subject", subject), zap.String("body", body))
		return nil
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", e.config.From)
	fmt.Fprintf(&msg, "To: %s\r\n", e.config.To)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", e.clock.Now().Format(time.RFC1123Z))
	msg.WriteString("\r\n")
	msg.WriteString(body)

	auth := smtp.PlainAuth("", e.config.Username, e.config.Password, e.config.Host)
	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	if err := e.sendMail(addr, auth, e.config.From, []string{e.config.To}, []byte(msg.String())); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}

	e.logger.Info("email sent", zap.String("subject", subject))
	return nil
}

// TestConnection tests the SMTP connection
func (e *EmailNotifier) TestConnection() error {
	if e.config.Username == "" {
		return fmt.Errorf("SMTP not configured")
	}

	addr := fmt.Sprintf("%s:%d", e.config.Host, e.config.Port)
	client, err := smtp.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer client.Close()

	e.logger.Info("SMTP connection test successful", zap.String("addr", addr))
	return nil
}
