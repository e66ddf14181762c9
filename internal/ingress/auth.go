package ingress

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-crypt/crypt"
	"github.com/go-crypt/crypt/algorithm/pbkdf2"
)

// Authenticator checks the Authorization header against the configured
// token set. Tokens starting with '$' are pbkdf2-sha512 digests as
// produced by cmd/passwd, everything else is compared verbatim.
type Authenticator struct {
	tokens  []string
	decoder *crypt.Decoder
	logger  *slog.Logger
}

func NewAuthenticator(logger *slog.Logger, tokens []string) (*Authenticator, error) {
	decoder, err := pbkdf2OnlyDecoder()
	if err != nil {
		return nil, fmt.Errorf("failed to create token decoder: %w", err)
	}
	if len(tokens) == 0 {
		logger.Warn("http.auth_tokens is not set, the API accepts unauthenticated requests")
	}
	return &Authenticator{
		tokens:  tokens,
		decoder: decoder,
		logger:  logger,
	}, nil
}

// Enabled reports whether any token is configured at all.
func (a *Authenticator) Enabled() bool {
	return len(a.tokens) > 0
}

// Authorize returns true when the presented header value matches one of
// the configured tokens. With no tokens configured every request passes.
func (a *Authenticator) Authorize(header string) bool {
	if !a.Enabled() {
		return true
	}
	for _, token := range a.tokens {
		if strings.HasPrefix(token, "$") {
			digest, err := a.decoder.Decode(token)
			if err != nil {
				a.logger.Error("failed to decode token digest", "err", err)
				continue
			}
			if digest.Match(header) {
				return true
			}
			continue
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(header)) == 1 {
			return true
		}
	}
	return false
}

func pbkdf2OnlyDecoder() (decoder *crypt.Decoder, err error) {
	decoder = crypt.NewDecoder()
	if err := pbkdf2.RegisterDecoderSHA512(decoder); err != nil {
		return nil, err
	}
	return decoder, nil
}
