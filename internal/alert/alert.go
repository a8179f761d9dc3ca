package alert

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Forwarder sends rejected payment notifications to an operator mailbox
// so template changes can be diagnosed from the original message.
type Forwarder struct {
	host     string
	port     int
	username string
	password string
	useTLS   bool
	to       string
	timeout  time.Duration
	logger   *slog.Logger

	// dial is replaced in tests.
	dial func(addr string) (*smtp.Client, error)
}

// New creates a forwarder delivering to the given address. timeout bounds
// a whole forwarding session, from dial to QUIT.
func New(host string, port int, username, password string, useTLS bool, to string, timeout time.Duration, logger *slog.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	f := &Forwarder{
		host:     host,
		port:     port,
		username: username,
		password: password,
		useTLS:   useTLS,
		to:       to,
		timeout:  timeout,
		logger:   logger,
	}
	f.dial = f.connect
	return f
}

// Forward sends raw to the operator address with headers naming the
// failed validation step.
func (f *Forwarder) Forward(raw []byte, step, reason string) error {
	addr := net.JoinHostPort(f.host, strconv.Itoa(f.port))

	from := f.username
	if reader, err := mail.CreateReader(bytes.NewReader(raw)); err == nil {
		if addrs, err := reader.Header.AddressList("From"); err == nil && len(addrs) > 0 {
			from = addrs[0].Address
		}
		reader.Close()
	}

	message := append(Headers(step, reason, time.Now()), raw...)

	client, err := f.dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	if f.username != "" && f.password != "" {
		auth := smtp.PlainAuth("", f.username, f.password, f.host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := client.Rcpt(f.to); err != nil {
		return fmt.Errorf("smtp RCPT TO: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(message); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}

	return client.Quit()
}

var headerValue = strings.NewReplacer("\r", " ", "\n", " ")

// Headers returns the trace headers prepended to a forwarded message.
func Headers(step, reason string, now time.Time) []byte {
	step, reason = headerValue.Replace(step), headerValue.Replace(reason)

	var h mail.Header
	h.Set("X-Payrelay-Rejection", step)
	h.Set("X-Payrelay-Reason", reason)
	h.Set("X-Forwarded-Time", now.UTC().Format(time.RFC3339))

	var buf bytes.Buffer
	fields := h.Fields()
	for fields.Next() {
		fmt.Fprintf(&buf, "%s: %s\r\n", fields.Key(), fields.Value())
	}
	return buf.Bytes()
}

// connect dials addr and sets a deadline on the connection covering the
// rest of the session, so a server that stops answering fails the forward
// instead of stalling the caller.
func (f *Forwarder) connect(addr string) (*smtp.Client, error) {
	dialer := &net.Dialer{Timeout: f.timeout}

	var conn net.Conn
	var err error
	if f.useTLS {
		tlsConfig := &tls.Config{ServerName: f.host}
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("smtp tls dial %s: %w", addr, err)
		}
	} else {
		conn, err = dialer.Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("smtp dial %s: %w", addr, err)
		}
	}
	if err := conn.SetDeadline(time.Now().Add(f.timeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp set deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, f.host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp new client: %w", err)
	}
	if f.useTLS {
		return client, nil
	}
	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{ServerName: f.host}
		if err := client.StartTLS(tlsConfig); err != nil {
			f.logger.Warn("STARTTLS failed, continuing without TLS", "error", err)
		}
	}
	return client, nil
}
