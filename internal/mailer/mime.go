package mailer

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/iaasstore/restmailer/internal/config"
	"github.com/iaasstore/restmailer/internal/message"
)

const dateLayout = "Mon, 02 Jan 2006 15:04:05 -0700"

// BuildMessage assembles the wire form of a normalized submission. A
// single text part becomes the outer body; anything else is wrapped in
// multipart/mixed with parts in submission order.
func BuildMessage(cfg *config.Config, msg *message.MailMessage, tsAdded int64) ([]byte, error) {
	header := envelopeHeader(cfg, msg, tsAdded)
	buf := &bytes.Buffer{}

	if len(msg.Data) == 1 && msg.Data[0].Type == message.PartTypeText {
		part := msg.Data[0]
		header.SetContentType("text/"+part.Subtype, map[string]string{"charset": part.Charset})
		w, err := gomessage.CreateWriter(buf, header.Header)
		if err != nil {
			return nil, fmt.Errorf("failed to create message writer: %w", err)
		}
		if _, err := io.WriteString(w, normalizeCRLF(part.Text)); err != nil {
			return nil, fmt.Errorf("failed to write text body: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish message: %w", err)
		}
		return buf.Bytes(), nil
	}

	header.SetContentType("multipart/mixed", nil)
	w, err := gomessage.CreateWriter(buf, header.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart writer: %w", err)
	}
	for i, part := range msg.Data {
		switch part.Type {
		case message.PartTypeText:
			if err := writeTextPart(w, part); err != nil {
				return nil, fmt.Errorf("failed to write part %d: %w", i, err)
			}
		case message.PartTypeAttachment:
			if err := writeAttachmentPart(w, part); err != nil {
				return nil, fmt.Errorf("failed to write part %d: %w", i, err)
			}
		default:
			return nil, fmt.Errorf("unknown body part type: %s", part.Type)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}
	return buf.Bytes(), nil
}

func envelopeHeader(cfg *config.Config, msg *message.MailMessage, tsAdded int64) gomail.Header {
	date := time.Unix(tsAdded, 0).UTC()

	var header gomail.Header
	header.Set("Received", fmt.Sprintf("by iaasstore/restmailer via API; id %s for <%s>; %s",
		msg.Guid, msg.AddressTo, date.Format(dateLayout)))
	header.Set("Message-Id", fmt.Sprintf("<%s@%s>", msg.Guid, cfg.Mail.ServerName))
	header.Set("Date", date.Format(dateLayout))
	header.SetSubject(msg.Subject)
	header.SetAddressList("From", []*gomail.Address{{
		Name:    msg.FromName,
		Address: cfg.Mail.FromAddr(msg.FromUser),
	}})
	header.Set("To", msg.AddressTo)
	return header
}

func writeTextPart(w *gomessage.Writer, part message.BodyPart) error {
	var header gomessage.Header
	header.SetContentType("text/"+part.Subtype, map[string]string{"charset": part.Charset})
	pw, err := w.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, normalizeCRLF(part.Text)); err != nil {
		return err
	}
	return pw.Close()
}

func writeAttachmentPart(w *gomessage.Writer, part message.BodyPart) error {
	payload, err := base64.StdEncoding.DecodeString(part.ContentB64)
	if err != nil {
		return fmt.Errorf("invalid attachment payload for %s: %w", part.Name, err)
	}
	if !strings.Contains(part.ContentType, "/") {
		return fmt.Errorf("invalid attachment content type: %s", part.ContentType)
	}

	var header gomessage.Header
	header.SetContentType(part.ContentType, nil)
	header.Set("Content-Transfer-Encoding", "base64")
	header.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": part.Name}))

	pw, err := w.CreatePart(header)
	if err != nil {
		return err
	}
	if _, err := pw.Write(payload); err != nil {
		return err
	}
	return pw.Close()
}

// normalizeCRLF converts every bare LF to CRLF for MIME emission.
func normalizeCRLF(text string) string {
	return strings.ReplaceAll(strings.ReplaceAll(text, "\r\n", "\n"), "\n", "\r\n")
}
