package message

import (
	"strings"
	"unicode"

	"github.com/iaasstore/restmailer/internal/config"
)

const (
	PartTypeText       = "text"
	PartTypeAttachment = "attachment"
)

// BodyPart is one element of a MailMessage body. The variant is selected
// by Type: a text part carries Text/Subtype/Charset, an attachment
// carries Name/ContentType/ContentB64.
type BodyPart struct {
	Type string `json:"type" validate:"required,oneof=text attachment"`

	Text    string `json:"text,omitempty" validate:"required_if=Type text"`
	Subtype string `json:"subtype,omitempty"`
	Charset string `json:"charset,omitempty"`

	Name        string `json:"name,omitempty" validate:"required_if=Type attachment"`
	ContentType string `json:"content_type,omitempty" validate:"required_if=Type attachment"`
	ContentB64  string `json:"content_b64,omitempty" validate:"omitempty,base64"`
}

type MailMessage struct {
	Guid string `json:"guid,omitempty"`

	FromUser string `json:"from_user,omitempty"`
	FromName string `json:"from_name,omitempty"`

	AddressTo string     `json:"address_to" validate:"required,email"`
	Subject   string     `json:"subject" validate:"required"`
	Data      []BodyPart `json:"data" validate:"dive"`

	SendTimeout        int   `json:"send_timeout,omitempty" validate:"omitempty,min=1"`
	IgnoreStarttlsCert *bool `json:"ignore_starttls_cert,omitempty"`
}

// Normalize fills every defaultable field from config so downstream code
// only ever sees fully populated messages.
func (m *MailMessage) Normalize(cfg *config.Config) {
	if m.FromUser == "" {
		m.FromUser = cfg.Mail.DefUsername
	}
	if m.FromName == "" {
		m.FromName = capitalize(m.FromUser)
	}
	if m.SendTimeout == 0 {
		m.SendTimeout = cfg.Mail.DefMailSendTimeout
	}
	if m.IgnoreStarttlsCert == nil {
		ignore := cfg.Mail.DefIgnoreStarttlsCert
		m.IgnoreStarttlsCert = &ignore
	}
	for i := range m.Data {
		if m.Data[i].Type != PartTypeText {
			continue
		}
		if m.Data[i].Subtype == "" {
			m.Data[i].Subtype = "plain"
		}
		if m.Data[i].Charset == "" {
			m.Data[i].Charset = "utf-8"
		}
	}
}

// Domain returns the recipient domain driving MX resolution.
func (m *MailMessage) Domain() string {
	parts := strings.SplitN(m.AddressTo, "@", 2)
	if len(parts) != 2 {
		return ""
	}
	return parts[1]
}

// Redacted returns a copy with attachment payloads stripped, for API
// responses. Attachments stay intact in the registry for resends.
func (m *MailMessage) Redacted() *MailMessage {
	redacted := *m
	redacted.Data = make([]BodyPart, len(m.Data))
	copy(redacted.Data, m.Data)
	for i := range redacted.Data {
		if redacted.Data[i].Type == PartTypeAttachment {
			redacted.Data[i].ContentB64 = ""
		}
	}
	return &redacted
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(strings.ToLower(s))
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
