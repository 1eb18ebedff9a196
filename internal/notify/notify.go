// Package notify delivers chat notifications by email.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"
)

var ErrNotConfigured = errors.New("email not configured")

// Email is one outgoing HTML message.
type Email struct {
	To      string
	Subject string
	HTML    string
}

// Dispatcher sends notification emails. Callers treat delivery as best effort.
type Dispatcher interface {
	SendEmail(ctx context.Context, email Email) error
}

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	FromName string
}

// SMTPDispatcher sends email through an SMTP relay.
type SMTPDispatcher struct {
	config Config
	dialer *gomail.Dialer
}

func NewSMTPDispatcher(config Config) *SMTPDispatcher {
	return &SMTPDispatcher{
		config: config,
		dialer: gomail.NewDialer(config.Host, config.Port, config.Username, config.Password),
	}
}

// IsConfigured returns true if email is configured
func (d *SMTPDispatcher) IsConfigured() bool {
	return d.config.Host != "" && d.config.Port > 0 && d.config.From != ""
}

func (d *SMTPDispatcher) SendEmail(ctx context.Context, email Email) error {
	if !d.IsConfigured() {
		return ErrNotConfigured
	}
	if strings.TrimSpace(email.To) == "" {
		return fmt.Errorf("send email: missing recipient")
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	if d.config.FromName != "" {
		m.SetAddressHeader("From", d.config.From, d.config.FromName)
	} else {
		m.SetHeader("From", d.config.From)
	}
	m.SetHeader("To", email.To)
	m.SetHeader("Subject", email.Subject)
	m.SetBody("text/html", email.HTML)

	// gomail has no context support; abandon the wait when ctx ends.
	done := make(chan error, 1)
	go func() {
		done <- d.dialer.DialAndSend(m)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send email to %s: %w", email.To, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
