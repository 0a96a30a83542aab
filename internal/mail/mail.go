// Package mail delivers completion mails for report executions via SendGrid.
package mail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/user/reportd/internal/config"
	"github.com/user/reportd/internal/gateway"
	"github.com/user/reportd/internal/types"
)

// ErrNotConfigured is returned when no API key or sender address is set.
var ErrNotConfigured = errors.New("mail is not configured")

var _ types.Mailer = (*Sender)(nil)

// Transport posts one message with the given API key and returns the HTTP
// status and response body.
type Transport func(apiKey string, msg *sgmail.SGMailV3) (status int, body string, err error)

func sendgridTransport(apiKey string, msg *sgmail.SGMailV3) (int, string, error) {
	resp, err := sendgrid.NewSendClient(apiKey).Send(msg)
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode, resp.Body, nil
}

// Sender sends mails using the credentials of the current runtime settings.
type Sender struct {
	settings  *config.Settings
	retry     *gateway.RetryPolicy
	transport Transport
}

// New creates a Sender. A nil retry policy selects the default.
func New(settings *config.Settings, retry *gateway.RetryPolicy) *Sender {
	if retry == nil {
		retry = gateway.DefaultRetryPolicy()
	}
	return &Sender{settings: settings, retry: retry, transport: sendgridTransport}
}

// WithTransport replaces the HTTP transport.
func (s *Sender) WithTransport(t Transport) *Sender {
	s.transport = t
	return s
}

// Send delivers one message to a single recipient. attachmentPath, when set,
// is attached under attachmentName.
func (s *Sender) Send(ctx context.Context, to, subject, body, attachmentName, attachmentPath string) error {
	snap := s.settings.Snapshot()
	if snap.MailAPIKey == "" || snap.MailFrom == "" {
		return ErrNotConfigured
	}

	msg := sgmail.NewV3MailInit(
		sgmail.NewEmail(snap.MailFromName, snap.MailFrom),
		subject,
		sgmail.NewEmail("", to),
		sgmail.NewContent("text/plain", body),
	)

	if attachmentPath != "" {
		data, err := os.ReadFile(attachmentPath)
		if err != nil {
			return fmt.Errorf("read attachment: %w", err)
		}
		if attachmentName == "" {
			attachmentName = filepath.Base(attachmentPath)
		}
		ctype := mime.TypeByExtension(filepath.Ext(attachmentName))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		a := sgmail.NewAttachment()
		a.SetContent(base64.StdEncoding.EncodeToString(data))
		a.SetType(ctype)
		a.SetFilename(attachmentName)
		a.SetDisposition("attachment")
		msg.AddAttachment(a)
	}

	attempt := 0
	err := s.retry.Execute(ctx, func() error {
		attempt++
		status, respBody, err := s.transport(snap.MailAPIKey, msg)
		if err != nil {
			return fmt.Errorf("send via SendGrid: %w", err)
		}
		switch {
		case status == 429:
			return fmt.Errorf("SendGrid: too many requests")
		case status >= 500:
			return fmt.Errorf("SendGrid: temporary failure, status %d", status)
		case status >= 400:
			return gateway.Permanent(fmt.Errorf("SendGrid API error: status %d, body: %s", status, respBody))
		}
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("mail sent", "to", to, "attempts", attempt, "attachment", attachmentName)
	return nil
}
