package smtpx

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"bulksend/internal/models"
)

// Message is a fully composed email plus its envelope addresses.
type Message struct {
	From string
	To   string

	mime *gomail.Message
}

// Build composes a MIME message: text body, optional HTML alternative and
// file attachments. Attachment read errors surface when the message is
// written to the wire.
func Build(sender models.Sender, to, subject, bodyText, bodyHTML string, attachments []string) *Message {
	m := gomail.NewMessage(gomail.SetCharset("UTF-8"))

	if sender.Name != "" {
		m.SetAddressHeader("From", sender.Email, sender.Name)
	} else {
		m.SetHeader("From", sender.Email)
	}
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetHeader("Message-Id", messageID(sender.Email))
	m.SetDateHeader("Date", time.Now())

	m.SetBody("text/plain", bodyText)
	if bodyHTML != "" {
		m.AddAlternative("text/html", bodyHTML)
	}
	for _, path := range attachments {
		m.Attach(path)
	}

	return &Message{From: sender.Email, To: to, mime: m}
}

// WriteTo writes the encoded message to w, typically the SMTP data writer.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	return m.mime.WriteTo(w)
}

func messageID(senderEmail string) string {
	domain := senderEmail
	if at := strings.LastIndex(senderEmail, "@"); at >= 0 {
		domain = senderEmail[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}
