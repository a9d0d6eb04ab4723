package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Transport opens delivery channels. The dispatcher dials a fresh channel for
// every attempt, so a broken connection never outlives the attempt that saw it.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one open delivery channel.
type Conn interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// SMTPTransport delivers messages as plain-text email.
type SMTPTransport struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

func (t *SMTPTransport) Dial(ctx context.Context) (Conn, error) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(t.Host, t.Port))
	if err != nil {
		return nil, fmt.Errorf("dial smtp: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		netConn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(netConn, t.Host)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("smtp handshake: %w", err)
	}

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: t.Host}); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp starttls: %w", err)
		}
	}

	if t.Username != "" {
		if err := client.Auth(smtp.PlainAuth("", t.Username, t.Password, t.Host)); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}

	return &smtpConn{client: client, from: t.From}, nil
}

type smtpConn struct {
	client *smtp.Client
	from   string
}

func (c *smtpConn) Send(_ context.Context, msg Message) error {
	if err := c.client.Mail(c.from); err != nil {
		return fmt.Errorf("smtp mail: %w", err)
	}
	if err := c.client.Rcpt(msg.Recipient); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}

	w, err := c.client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.Recipient)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))

	if _, err := w.Write([]byte(b.String())); err != nil {
		w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	return w.Close()
}

func (c *smtpConn) Close() error {
	return c.client.Quit()
}

// LogTransport writes messages to the log instead of delivering them. Used in
// local environments without a mail relay.
type LogTransport struct {
	Logger *zap.Logger
}

func (t *LogTransport) Dial(context.Context) (Conn, error) {
	return t, nil
}

func (t *LogTransport) Send(_ context.Context, msg Message) error {
	t.Logger.Info("notification",
		zap.String("template", msg.Template),
		zap.String("recipient", msg.Recipient),
		zap.String("subject", msg.Subject))
	return nil
}

func (t *LogTransport) Close() error { return nil }
