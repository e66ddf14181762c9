package smtpclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/iaasstore/restmailer/internal/proxy"
)

// Refusal captures a per-recipient SMTP rejection. It serializes as
// [code, message], the shape recorded in the job event log.
type Refusal struct {
	Code    int
	Message string
}

func (r Refusal) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{r.Code, r.Message})
}

// Failures maps refused recipients to their rejection.
type Failures map[string]Refusal

// Client drives one SMTP session. The socket comes from an injected
// dialer, so plain TCP and proxied transports look the same to the
// dialogue code.
type Client struct {
	dialer         proxy.Dialer
	connectTimeout time.Duration

	c    *smtp.Client
	host string
}

func New(dialer proxy.Dialer, connectTimeout time.Duration) *Client {
	return &Client{
		dialer:         dialer,
		connectTimeout: connectTimeout,
	}
}

func (c *Client) Connect(ctx context.Context, host string, port int) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()

	conn, err := c.dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to connect to %s:%d: %w", host, port, err)
	}
	c.host = host
	c.c = smtp.NewClient(conn)
	c.c.CommandTimeout = c.connectTimeout
	return nil
}

func (c *Client) Hello(name string) error {
	if err := c.c.Hello(name); err != nil {
		return fmt.Errorf("hello cmd failed: %w", err)
	}
	return nil
}

// SupportsStartTLS reports whether the server advertised STARTTLS in
// its EHLO response.
func (c *Client) SupportsStartTLS() (bool, string) {
	return c.c.Extension("STARTTLS")
}

// StartTLS upgrades the session. When ignoreCert is set, hostname and
// certificate verification are disabled.
func (c *Client) StartTLS(ignoreCert bool) error {
	tlsConfig := &tls.Config{
		ServerName:         c.host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: ignoreCert,
	}
	if err := c.c.StartTLS(tlsConfig); err != nil {
		return fmt.Errorf("starttls cmd failed: %w", err)
	}
	return nil
}

// SendMessage runs MAIL/RCPT/DATA. SMTP status rejections end up in the
// returned Failures map; transport errors are returned as error.
func (c *Client) SendMessage(from string, msg []byte, rcpts []string) (Failures, error) {
	if err := c.c.Mail(from, nil); err != nil {
		return nil, fmt.Errorf("mail cmd failed: %w", err)
	}

	failures := Failures{}
	accepted := []string{}
	for _, rcpt := range rcpts {
		if err := c.c.Rcpt(rcpt, nil); err != nil {
			if refusal, ok := asRefusal(err); ok {
				failures[rcpt] = refusal
				continue
			}
			return nil, fmt.Errorf("rcpt cmd failed: %w", err)
		}
		accepted = append(accepted, rcpt)
	}
	if len(accepted) == 0 {
		return failures, nil
	}

	w, err := c.c.Data()
	if err != nil {
		if refusal, ok := asRefusal(err); ok {
			for _, rcpt := range accepted {
				failures[rcpt] = refusal
			}
			return failures, nil
		}
		return nil, fmt.Errorf("data cmd failed: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to write message data: %w", err)
	}
	if err := w.Close(); err != nil {
		if refusal, ok := asRefusal(err); ok {
			for _, rcpt := range accepted {
				failures[rcpt] = refusal
			}
			return failures, nil
		}
		return nil, fmt.Errorf("failed to finish message data: %w", err)
	}
	return failures, nil
}

func (c *Client) Quit() error {
	return c.c.Quit()
}

func (c *Client) Close() error {
	if c.c == nil {
		return nil
	}
	return c.c.Close()
}

func asRefusal(err error) (Refusal, bool) {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return Refusal{Code: smtpErr.Code, Message: smtpErr.Message}, true
	}
	return Refusal{}, false
}
