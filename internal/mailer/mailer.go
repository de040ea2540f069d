// Package mailer sends transactional account emails.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
	"sync"
)

// Message is a plain-text email.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers messages. Delivery failures are reported to the caller;
// workflows decide whether a failure is fatal for the run.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPMailer delivers via a plain SMTP relay.
type SMTPMailer struct {
	Addr string // host:port
	From string
	Auth smtp.Auth
}

func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	if err := smtp.SendMail(m.Addr, m.Auth, m.From, []string{msg.To}, []byte(b.String())); err != nil {
		return fmt.Errorf("mailer: send to %s: %w", msg.To, err)
	}
	return nil
}

// LogMailer logs messages instead of delivering them. Used when no SMTP
// relay is configured.
type LogMailer struct {
	Logger *slog.Logger
}

func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "email not delivered, no relay configured",
		"to", msg.To, "subject", msg.Subject)
	return nil
}

// Recorder captures messages for tests.
type Recorder struct {
	mu   sync.Mutex
	sent []Message

	// FailWith, when set, is returned from every Send after recording.
	FailWith error
}

func (m *Recorder) Send(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return m.FailWith
}

// Sent returns a copy of the recorded messages.
func (m *Recorder) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}
