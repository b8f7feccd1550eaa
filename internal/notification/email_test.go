package notification

import (
	"net/smtp"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/smukkama/epidemic-metrics/internal/protocol"
	"github.com/smukkama/epidemic-metrics/pkg/config"
)

var detected = time.Date(2021, 3, 10, 8, 0, 0, 0, time.UTC)

func TestRender_Escalated(t *testing.T) {
	subject, body, err := Render(&protocol.AlertNotification{
		Type:         protocol.AlertTypeEscalated,
		LocationID:   4,
		LocationName: "Bavaria",
		Date:         "2021-03-09",
		Previous:     "orange",
		Current:      "red",
		DetectedAt:   detected,
	})
	require.NoError(t, err)

	assert.Equal(t, "Alert condition escalated - Bavaria (4): red", subject)
	assert.Contains(t, body, "Alert Condition ESCALATED\n=========================")
	assert.Contains(t, body, "Previous Condition: orange")
	assert.Contains(t, body, "moved from orange to red")
	assert.Contains(t, body, "Detected At: 2021-03-10 08:00:00 UTC")
}

func TestRender_Initial(t *testing.T) {
	subject, body, err := Render(&protocol.AlertNotification{
		Type:       protocol.AlertTypeInitial,
		LocationID: 9,
		Date:       "2021-03-09",
		Current:    "green",
		DetectedAt: detected,
	})
	require.NoError(t, err)

	assert.Contains(t, subject, "location 9")
	assert.NotContains(t, body, "Previous Condition")
	assert.Contains(t, body, "has been calculated as green")
}

func TestRender_UnknownType(t *testing.T) {
	_, _, err := Render(&protocol.AlertNotification{Type: "EXPLODED"})
	require.Error(t, err)
}

func TestSendAlertNotification(t *testing.T) {
	cfg := &config.SMTPConfig{Host: "smtp.example.com", Port: 587, Username: "u", Password: "p", From: "from@example.com", To: "to@example.com"}
	n := NewEmailNotifier(cfg, clockwork.NewFakeClockAt(detected), zap.NewNop())

	var gotAddr string
	var gotMsg []byte
	n.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr = addr
		gotMsg = msg
		assert.Equal(t, "from@example.com", from)
		assert.Equal(t, []string{"to@example.com"}, to)
		return nil
	}

	require.NoError(t, n.SendAlertNotification(&protocol.AlertNotification{
		Type: protocol.AlertTypeDeescalated, LocationID: 1, Previous: "black", Current: "darkred", DetectedAt: detected,
	}))
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Contains(t, string(gotMsg), "Subject: Alert condition de-escalated - location 1: darkred\r\n")
	assert.Contains(t, string(gotMsg), "Date: Wed, 10 Mar 2021 08:00:00 +0000\r\n")
}

func TestSendAlertNotification_SkipsWithoutCredentials(t *testing.T) {
	n := NewEmailNotifier(&config.SMTPConfig{}, clockwork.NewFakeClockAt(detected), zap.NewNop())
	n.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("mail sent without credentials")
		return nil
	}
	require.NoError(t, n.SendAlertNotification(&protocol.AlertNotification{Type: protocol.AlertTypeInitial, Current: "green"}))
}
