// Package notify delivers operator alerts such as reconnect exhaustion.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type Alert struct {
	Subject string
	Body    string
	At      time.Time
}

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// LogNotifier writes alerts at error level.
type LogNotifier struct {
	Log *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, a Alert) error {
	log := n.Log
	if log == nil {
		log = slog.Default()
	}
	log.Error(a.Subject, "detail", a.Body, "at", a.At)
	return nil
}

// Email sends alerts through SendGrid.
type Email struct {
	client *sendgrid.Client
	from   *mail.Email
	to     *mail.Email
}

// NewEmail returns a SendGrid notifier. baseURL overrides the API endpoint
// when non-empty.
func NewEmail(apiKey, from, to, baseURL string) *Email {
	client := sendgrid.NewSendClient(apiKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &Email{
		client: client,
		from:   mail.NewEmail("corelink", from),
		to:     mail.NewEmail("", to),
	}
}

func (n *Email) Notify(ctx context.Context, a Alert) error {
	body := fmt.Sprintf("%s\n\n%s", a.Body, a.At.Format(time.RFC3339))
	msg := mail.NewSingleEmail(n.from, a.Subject, n.to, body, "")
	resp, err := n.client.SendWithContext(ctx, msg)
	if err != nil {
		return fmt.Errorf("sendgrid: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sendgrid: status %d: %s", resp.StatusCode, resp.Body)
	}
	return nil
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
