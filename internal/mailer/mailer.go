package mailer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/iaasstore/restmailer/internal/config"
	"github.com/iaasstore/restmailer/internal/message"
	"github.com/iaasstore/restmailer/internal/proxy"
	"github.com/iaasstore/restmailer/internal/runtime"
	"github.com/iaasstore/restmailer/internal/smtpclient"
)

const smtpPort = 25

// MxResolver yields the delivery hosts for a recipient domain in
// preference order.
type MxResolver interface {
	Resolve(ctx context.Context, domain string) []string
}

// Mailer is the delivery engine: it resolves MX hosts for a registered
// job, builds and signs the MIME message and walks the hosts until one
// accepts it or the per-message deadline passes. Progress is recorded
// as registry events.
type Mailer struct {
	cfg      *config.Config
	registry *runtime.Registry
	resolver MxResolver
	signer   *DkimSigner
	logger   *slog.Logger

	mxPort int
	now    func() time.Time
}

func New(logger *slog.Logger, cfg *config.Config, registry *runtime.Registry, resolver MxResolver) (*Mailer, error) {
	signer, err := NewDkimSigner(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dkim signer: %w", err)
	}
	return &Mailer{
		cfg:      cfg,
		registry: registry,
		resolver: resolver,
		signer:   signer,
		logger:   logger,
		mxPort:   smtpPort,
		now:      time.Now,
	}, nil
}

// Deliver attempts delivery for a registered job and returns true iff
// the message was accepted. The job state always ends terminal.
func (m *Mailer) Deliver(ctx context.Context, guid string) bool {
	item, exists := m.registry.Get(guid)
	if !exists {
		m.logger.Error("unknown job", "guid", guid)
		return false
	}
	msg := item.Message

	domain := msg.Domain()
	hosts := m.resolver.Resolve(ctx, domain)
	if len(hosts) == 0 {
		m.event(guid, "mailer", "cannot get mx servers for: %s", domain)
		m.setState(guid, runtime.StateError)
		return false
	}
	m.event(guid, "mailer", "mx servers for target_address: %s", strings.Join(hosts, ", "))

	raw, err := BuildMessage(m.cfg, msg, item.TsAdded)
	if err != nil {
		m.event(guid, "mailer", "cannot build mime message: %v", err)
		m.setState(guid, runtime.StateError)
		return false
	}
	raw = m.sign(guid, raw)

	deadline := time.Unix(item.TsAdded, 0).Add(time.Duration(msg.SendTimeout) * time.Second)
	sent := false
	for _, mxHost := range hosts {
		m.event(guid, "mailer", "try mx server for send %s", mxHost)

		var tryNext bool
		sent, tryNext = m.trySend(ctx, guid, msg, mxHost, raw)
		if sent {
			break
		}
		if m.now().After(deadline) {
			m.event(guid, "mailer", "message send timeout reached")
			break
		}
		if !tryNext {
			break
		}
	}

	if !sent {
		m.event(guid, "mailer", "cannot send message: all mx servers is down or timeout reached")
		m.setState(guid, runtime.StateError)
		return false
	}
	m.setState(guid, runtime.StateSended)
	return true
}

// trySend runs one SMTP session against a single MX host. The second
// return value tells the caller whether the next host is worth trying:
// transport-level failures are, a recipient refusal is not.
func (m *Mailer) trySend(ctx context.Context, guid string, msg *message.MailMessage, mxHost string, raw []byte) (bool, bool) {
	start := m.now()
	connectTimeout := time.Duration(m.cfg.Mail.DefSmtpConnectTimeout) * time.Second

	dialer, err := proxy.NewDialer(m.cfg.Mail.Proxy, connectTimeout)
	if err != nil {
		m.event(guid, "smtp", "[%s] invalid proxy configuration: %v", mxHost, err)
		return false, false
	}
	if m.cfg.Mail.Proxy != "" {
		m.event(guid, "smtp", "[%s] using proxy from configuration for smtp connection", mxHost)
	}

	client := smtpclient.New(dialer, connectTimeout)
	if err := client.Connect(ctx, mxHost, m.mxPort); err != nil {
		m.event(guid, "smtp", "[%s] cannot connect to mx server %v", mxHost, err)
		return false, true
	}
	defer client.Close()

	if err := client.Hello(m.cfg.Mail.ServerName); err != nil {
		m.event(guid, "smtp", "[%s] send mail error %v", mxHost, err)
		return false, true
	}

	if ok, _ := client.SupportsStartTLS(); ok {
		m.event(guid, "smtp-tls", "[%s] STARTTLS is available, trying upgrade", mxHost)
		if err := client.StartTLS(*msg.IgnoreStarttlsCert); err != nil {
			m.event(guid, "smtp-tls", "[%s] exception on tls upgrade: %v", mxHost, err)
			return false, true
		}
		m.event(guid, "smtp-tls", "[%s] connection upgraded to TLS", mxHost)
	}

	failures, err := client.SendMessage(m.cfg.Mail.FromAddr(msg.FromUser), raw, []string{msg.AddressTo})
	if err != nil {
		m.event(guid, "smtp", "[%s] send mail error %v", mxHost, err)
		return false, true
	}
	if err := client.Quit(); err != nil {
		m.logger.Warn("failed to quit smtp session", "guid", guid, "host", mxHost, "err", err)
	}

	if len(failures) == 0 {
		m.event(guid, "smtp", "[%s] mail sended successfully in %ds", mxHost, int(m.now().Sub(start).Seconds()))
		return true, false
	}
	failureJson, _ := json.Marshal(failures)
	m.event(guid, "smtp", "[%s] mail have some errors on send: %s", mxHost, failureJson)
	return false, false
}

func (m *Mailer) sign(guid string, raw []byte) []byte {
	if m.signer == nil {
		return raw
	}
	signed, err := m.signer.Sign(raw)
	if err != nil {
		m.event(guid, "mailer-dkim", "sign generation error: %v", err)
		return raw
	}
	m.event(guid, "mailer-dkim", "sign generated, length=%d", len(signed)-len(raw))
	return signed
}

func (m *Mailer) event(guid, source, format string, args ...any) {
	if err := m.registry.AppendEvent(guid, source, fmt.Sprintf(format, args...)); err != nil {
		m.logger.Error("failed to append event", "guid", guid, "err", err)
	}
}

func (m *Mailer) setState(guid string, state runtime.State) {
	if err := m.registry.SetState(guid, state); err != nil {
		m.logger.Error("failed to set job state", "guid", guid, "state", state, "err", err)
	}
}
