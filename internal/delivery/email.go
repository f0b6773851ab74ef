package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/pulsegrid/pulse/internal/config"
	apperrors "github.com/pulsegrid/pulse/internal/errors"
	"github.com/pulsegrid/pulse/internal/models"
)

// EmailSender delivers alert events as plain-text mail through either a
// configured SMTP relay or the SendGrid API, selected by
// DeliveryConfig.EmailProvider. The payload's RecipientOverride (the frozen
// on-call responder) outranks the channel's configured recipient.
type EmailSender struct {
	cfg config.DeliveryConfig
}

// NewEmailSender builds a sender from worker settings.
func NewEmailSender(cfg config.DeliveryConfig) *EmailSender {
	return &EmailSender{cfg: cfg}
}

// Send implements Sender.
func (s *EmailSender) Send(ctx context.Context, channel *models.NotificationChannel, payload *models.JobPayload) (string, error) {
	to := payload.RecipientOverride
	if to == "" {
		to = channel.Config.String("to")
	}
	if to == "" {
		return "config_invalid", apperrors.NewDeliveryError("email", false, errors.New("no recipient configured"))
	}

	subject := fmt.Sprintf("[Pulse %s] %s", payload.Event.Event, payload.Event.Summary)
	body := renderEmailBody(payload.Event)

	if s.cfg.EmailProvider == "sendgrid" {
		return s.sendWithSendGrid(ctx, to, subject, body)
	}
	return s.sendWithSMTP(to, subject, body)
}

func (s *EmailSender) sendWithSMTP(to, subject, body string) (string, error) {
	if s.cfg.SMTPHost == "" {
		return "config_invalid", apperrors.NewDeliveryError("email", false, errors.New("smtp host not configured"))
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.SMTPHost, s.cfg.SMTPPort)

	var auth smtp.Auth
	if s.cfg.SMTPUsername != "" {
		auth = smtp.PlainAuth("", s.cfg.SMTPUsername, s.cfg.SMTPPassword, s.cfg.SMTPHost)
	}

	msg := strings.Join([]string{
		"From: " + s.cfg.SMTPFrom,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")

	if err := smtp.SendMail(addr, auth, s.cfg.SMTPFrom, []string{to}, []byte(msg)); err != nil {
		// A 5xx reply is the relay rejecting this message; everything else
		// (connection trouble, 4xx greylisting) is worth another try.
		var tpErr *textproto.Error
		retryable := !errors.As(err, &tpErr) || tpErr.Code < 500
		return "smtp_error", apperrors.NewDeliveryError("email", retryable, err)
	}
	return "smtp_accepted", nil
}

func (s *EmailSender) sendWithSendGrid(ctx context.Context, to, subject, body string) (string, error) {
	if s.cfg.SendGridKey == "" {
		return "config_invalid", apperrors.NewDeliveryError("email", false, errors.New("sendgrid key not configured"))
	}

	message := sgmail.NewSingleEmail(
		sgmail.NewEmail("Pulse Alerts", s.cfg.SMTPFrom),
		subject,
		sgmail.NewEmail("", to),
		body,
		"",
	)
	client := sendgrid.NewSendClient(s.cfg.SendGridKey)
	resp, err := client.SendWithContext(ctx, message)
	if err != nil {
		return "network_error", apperrors.NewDeliveryError("email", true, err)
	}

	status := strconv.Itoa(resp.StatusCode)
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return status, nil
	}
	return status, apperrors.NewDeliveryError("email", retryableHTTPStatus(resp.StatusCode),
		fmt.Errorf("sendgrid returned status %d", resp.StatusCode))
}

func renderEmailBody(ev models.AlertEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", ev.Summary)
	fmt.Fprintf(&b, "Event:    %s\n", ev.Event)
	fmt.Fprintf(&b, "Type:     %s\n", ev.AlertType)
	fmt.Fprintf(&b, "Severity: %d\n", ev.Severity)
	fmt.Fprintf(&b, "Device:   %s\n", ev.DeviceID)
	if ev.SiteID != nil {
		fmt.Fprintf(&b, "Site:     %s\n", *ev.SiteID)
	}
	fmt.Fprintf(&b, "At:       %s\n", ev.OccurredAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Alert:    %s\n", ev.AlertID)
	return b.String()
}
