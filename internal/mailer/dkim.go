package mailer

import (
	"bytes"
	"crypto"
	"fmt"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/iaasstore/restmailer/internal/config"
)

// Recommended headers according to https://www.rfc-editor.org/rfc/rfc6376.html#section-5.4.1
var dkimHeaderKeys = []string{
	"From", "Reply-to", "Subject", "Date", "To", "Cc", "Resent-Date", "Resent-From", "Resent-To", "Resent-Cc", "In-Reply-To", "References",
	"List-Id", "List-Help", "List-Unsubscribe", "List-Subscribe", "List-Post", "List-Owner", "List-Archive",
}

// DkimSigner prepends a DKIM-Signature header over the configured
// domain and selector.
type DkimSigner struct {
	options *dkim.SignOptions
}

// NewDkimSigner returns nil without error when no key is configured;
// messages then go out unsigned.
func NewDkimSigner(cfg *config.Config) (*DkimSigner, error) {
	signer, err := cfg.Mail.DkimKey()
	if err != nil {
		return nil, err
	}
	if signer == nil {
		return nil, nil
	}
	return &DkimSigner{
		options: &dkim.SignOptions{
			Domain:     cfg.Mail.Domain,
			Selector:   cfg.Mail.DkimSelector,
			Signer:     signer,
			Hash:       crypto.SHA256,
			HeaderKeys: dkimHeaderKeys,
		},
	}, nil
}

func (s *DkimSigner) Sign(msg []byte) ([]byte, error) {
	signed := &bytes.Buffer{}
	if err := dkim.Sign(signed, bytes.NewReader(msg), s.options); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return signed.Bytes(), nil
}
