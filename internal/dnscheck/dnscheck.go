package dnscheck

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/asggo/spf"
	"github.com/iaasstore/restmailer/internal/config"
	"github.com/iaasstore/restmailer/internal/utils"
	"github.com/miekg/dns"
)

var (
	ErrNoDKIMRecord     = errors.New("no dkim record found")
	ErrNoSPFRecord      = errors.New("no spf record found")
	ErrInvalidSPFRecord = errors.New("invalid SPF record")
	ErrRecordNotFound   = errors.New("record not found")
)

const defaultDNSQueryCount = 3

// lookupTxt is swapped out in tests for canned answers.
var lookupTxt = func(domain string) ([]dns.RR, error) {
	return resolve(domain, dns.TypeTXT)
}

// VerifyDKIMRecord checks that the selector TXT record published for
// the configured domain matches the configured signing key.
func VerifyDKIMRecord(cfg *config.Config) error {
	signer, err := cfg.Mail.DkimKey()
	if err != nil {
		return err
	}
	if signer == nil {
		return nil
	}
	expected, err := utils.DkimTxtRecordContent(signer)
	if err != nil {
		return err
	}

	domain := utils.DkimDomain(cfg.Mail.DkimSelector, cfg.Mail.Domain)
	answer, err := lookupTxt(domain)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return ErrNoDKIMRecord
		}
		return err
	}

	for _, a := range answer {
		if rrTxt, ok := a.(*dns.TXT); ok {
			if strings.Join(rrTxt.Txt, "") == expected {
				return nil
			}
		}
	}
	return ErrNoDKIMRecord
}

// VerifySPFRecord checks that the domain publishes an SPF policy which
// does not reject mail from sendAddr.
func VerifySPFRecord(mailDomain, sendAddr string) error {
	answer, err := lookupTxt(mailDomain)
	if err != nil {
		return err
	}

	for _, a := range answer {
		if rrTxt, ok := a.(*dns.TXT); ok {
			for _, txtVal := range rrTxt.Txt {
				if strings.HasPrefix(txtVal, "v=spf1") {
					spfValue, err := spf.NewSPF(mailDomain, txtVal, defaultDNSQueryCount)
					if err != nil {
						continue
					}
					switch spfValue.Test(sendAddr) {
					case spf.Pass, spf.Neutral:
						return nil
					default:
						return ErrInvalidSPFRecord
					}
				}
			}
		}
	}
	return ErrNoSPFRecord
}

// VerifySPFExists checks that the domain publishes any SPF policy at
// all, for startup environments where the public send address is not
// known.
func VerifySPFExists(mailDomain string) error {
	answer, err := lookupTxt(mailDomain)
	if err != nil {
		return err
	}
	for _, a := range answer {
		if rrTxt, ok := a.(*dns.TXT); ok {
			for _, txtVal := range rrTxt.Txt {
				if strings.HasPrefix(txtVal, "v=spf1") {
					return nil
				}
			}
		}
	}
	return ErrNoSPFRecord
}

// WarnOnProblems runs the startup record checks and logs findings. The
// checks are advisory, a missing record never prevents startup.
func WarnOnProblems(logger *slog.Logger, cfg *config.Config, publicAddr string) {
	spfErr := error(nil)
	if publicAddr != "" {
		spfErr = VerifySPFRecord(cfg.Mail.Domain, publicAddr)
	} else {
		spfErr = VerifySPFExists(cfg.Mail.Domain)
	}
	if spfErr != nil {
		logger.Warn("SPF record check failed, outbound mail may be rejected",
			"domain", cfg.Mail.Domain, "err", spfErr)
	}
	if err := VerifyDKIMRecord(cfg); err != nil {
		logger.Warn("DKIM record check failed, signatures will not verify",
			"domain", utils.DkimDomain(cfg.Mail.DkimSelector, cfg.Mail.Domain), "err", err)
	}
}

func resolve(rrDomain string, rrType uint16) ([]dns.RR, error) {
	resolvConf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, fmt.Errorf("failed to read resolver configuration: %w", err)
	}
	c := new(dns.Client)
	m := new(dns.Msg)
	if !strings.HasSuffix(rrDomain, ".") {
		rrDomain = rrDomain + "."
	}
	m.SetQuestion(rrDomain, rrType)
	m.RecursionDesired = true

	r, _, err := c.Exchange(m, net.JoinHostPort(resolvConf.Servers[0], resolvConf.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to contact DNS server: %w", err)
	}
	if r.Rcode != dns.RcodeSuccess {
		return nil, ErrRecordNotFound
	}
	return r.Answer, nil
}
