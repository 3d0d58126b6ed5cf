// Package notify delivers user notifications: every notification is stored
// for in-app display and, when an SMTP relay is configured and the recipient
// has an address, also sent by e-mail.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"time"

	"github.com/google/uuid"
	"github.com/jordan-wright/email"
	"github.com/mcclellann/ngnasoro/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// Sink accepts notifications.
type Sink interface {
	Notify(ctx context.Context, n *models.Notification) error
}

// Writer persists notifications.
type Writer interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
}

// Dispatcher stores notifications and forwards them to the e-mail channel.
type Dispatcher struct {
	writer Writer
	mailer *Mailer
	log    *logrus.Logger
}

// NewDispatcher creates a Dispatcher. mailer may be nil.
func NewDispatcher(w Writer, mailer *Mailer, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{writer: w, mailer: mailer, log: log}
}

// Notify persists n. E-mail delivery is best effort and never fails the call.
func (d *Dispatcher) Notify(ctx context.Context, n *models.Notification) error {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if err := d.writer.CreateNotification(ctx, n); err != nil {
		return err
	}

	if d.mailer != nil && n.Email != "" {
		if err := d.mailer.Send(n); err != nil {
			d.log.WithError(err).WithFields(logrus.Fields{
				"notification_id": n.ID,
				"user_id":         n.UserID,
			}).Warn("E-mail delivery failed")
		}
	}
	return nil
}

// MailConfig holds the SMTP relay settings.
type MailConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
}

// Mailer sends notifications over SMTP behind a circuit breaker, so a relay
// outage costs one fast failure per notification instead of a timeout.
type Mailer struct {
	cfg  MailConfig
	cb   *gobreaker.CircuitBreaker
	send func(e *email.Email) error
	log  *logrus.Logger
}

// NewMailer creates a Mailer for the given relay.
func NewMailer(cfg MailConfig, log *logrus.Logger) *Mailer {
	m := &Mailer{cfg: cfg, log: log}
	m.send = func(e *email.Email) error {
		var auth smtp.Auth
		if cfg.Username != "" {
			auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		}
		return e.Send(fmt.Sprintf("%s:%s", cfg.Host, cfg.Port), auth)
	}
	m.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "smtp",
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("Circuit breaker state changed")
		},
	})
	return m
}

// Send e-mails a notification to n.Email.
func (m *Mailer) Send(n *models.Notification) error {
	e := email.NewEmail()
	e.From = m.cfg.From
	e.To = []string{n.Email}
	e.Subject = n.Title
	e.Text = []byte(fmt.Sprintf("Bonjour,\n\n%s\n\nCordialement,\nN'GNA SÔRÔ!", n.Message))

	_, err := m.cb.Execute(func() (interface{}, error) {
		return nil, m.send(e)
	})
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	m.log.WithFields(logrus.Fields{"to": n.Email, "subject": e.Subject}).Debug("Email sent")
	return nil
}
