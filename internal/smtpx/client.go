// Package smtpx owns the SMTP connection lifecycle: single-shot sends,
// persistent batch sessions, reconnect-on-disconnect and the greylist-aware
// retry on first connect.
package smtpx

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"bulksend/internal/models"
)

// DefaultGreylistPause is how long to wait before the single retry of a
// failed first connect. Greylisting providers temporarily reject the first
// contact from an unfamiliar client and expect exactly this kind of retry.
const DefaultGreylistPause = 5 * time.Second

// session bundles the raw connection (for deadline refresh) with the
// protocol client on top of it.
type session struct {
	raw     net.Conn
	client  *smtp.Client
	timeout time.Duration
}

func (s *session) extend() {
	if s.timeout > 0 {
		s.raw.SetDeadline(time.Now().Add(s.timeout))
	}
}

func (s *session) close() {
	// Quit failures don't matter at this point; the socket is going away
	// either way.
	if err := s.client.Quit(); err != nil {
		s.raw.Close()
	}
}

// Client is an SMTP transport with optional connection reuse.
//
// Single shot:
//
//	err := client.Send(msg)
//
// Persistent session for bulk sending:
//
//	if err := client.Open(); err != nil { ... }
//	defer client.Close()
//	for _, msg := range batch { client.Send(msg) }
type Client struct {
	cfg           models.SMTPConfig
	log           *zap.Logger
	greylistPause time.Duration

	persistent *session
}

// Option configures a Client.
type Option func(*Client)

// WithGreylistPause overrides the pause before the first-connect retry.
func WithGreylistPause(d time.Duration) Option {
	return func(c *Client) { c.greylistPause = d }
}

func NewClient(cfg models.SMTPConfig, log *zap.Logger, opts ...Option) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	c := &Client{
		cfg:           cfg,
		log:           log,
		greylistPause: DefaultGreylistPause,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open establishes the persistent session. A first attempt failing with a
// connection-level error is retried exactly once after a fixed pause to
// absorb provider greylisting; authentication and configuration failures are
// not retried.
func (c *Client) Open() error {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.greylistPause), 1)
	return backoff.RetryNotify(
		func() error {
			s, err := c.connect()
			if err != nil {
				if IsConnError(err) {
					return err
				}
				return backoff.Permanent(err)
			}
			c.persistent = s
			return nil
		},
		policy,
		func(err error, _ time.Duration) {
			c.log.Warn("first smtp connect failed, retrying once",
				zap.String("host", c.cfg.Host),
				zap.Error(err),
			)
		},
	)
}

// Close quits the persistent session if one is open. Safe to call on every
// exit path.
func (c *Client) Close() {
	if c.persistent == nil {
		return
	}
	c.persistent.close()
	c.persistent = nil
}

// Reset force-closes the persistent session without error so the next Send
// opens a fresh connection. A failed send may have left the socket in an
// indeterminate state; retrying on it would waste the full I/O timeout
// discovering that.
func (c *Client) Reset() {
	c.Close()
}

// TestConnection connects, authenticates and disconnects.
func (c *Client) TestConnection() error {
	s, err := c.connect()
	if err != nil {
		return err
	}
	s.close()
	return nil
}

// Send delivers one message. On a persistent session a disconnect-class
// failure triggers a single reconnect and resend; without one a private
// connection is opened and always closed afterward.
func (c *Client) Send(msg *Message) error {
	if c.persistent != nil {
		err := transmit(c.persistent, msg)
		if err != nil && isDisconnect(err) {
			c.log.Warn("smtp connection dropped, reconnecting",
				zap.String("host", c.cfg.Host),
				zap.Error(err),
			)
			c.Close()
			s, connErr := c.connect()
			if connErr != nil {
				return connErr
			}
			c.persistent = s
			return transmit(s, msg)
		}
		return err
	}

	s, err := c.connect()
	if err != nil {
		return err
	}
	defer s.close()
	return transmit(s, msg)
}

func (c *Client) connect() (*session, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	raw, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, &ConnError{Err: err}
	}
	if c.cfg.UseSSL {
		raw = tls.Client(raw, &tls.Config{ServerName: c.cfg.Host})
	}
	if c.cfg.Timeout > 0 {
		raw.SetDeadline(time.Now().Add(c.cfg.Timeout))
	}

	client, err := smtp.NewClient(raw, c.cfg.Host)
	if err != nil {
		raw.Close()
		return nil, &ConnError{Err: err}
	}
	if c.cfg.UseStartTLS {
		if err := client.StartTLS(&tls.Config{ServerName: c.cfg.Host}); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if c.cfg.Username != "" && c.cfg.Password != "" {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, fmt.Errorf("smtp auth: %w", err)
		}
	}

	return &session{raw: raw, client: client, timeout: c.cfg.Timeout}, nil
}

func transmit(s *session, msg *Message) error {
	s.extend()
	if err := s.client.Mail(msg.From); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := s.client.Rcpt(msg.To); err != nil {
		return fmt.Errorf("recipient rejected: %w", err)
	}
	w, err := s.client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := msg.WriteTo(w); err != nil {
		w.Close()
		return fmt.Errorf("smtp write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp finish message: %w", err)
	}
	return nil
}
