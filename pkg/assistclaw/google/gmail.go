package google

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/dispatch"
)

// Mailer implements dispatch.Mailer on Gmail.
type Mailer struct {
	svc  *gmail.Service
	from string
	now  func() time.Time
}

// NewMailer creates the Gmail adapter. from is an optional display address;
// Gmail fills in the authenticated account when it is empty.
func NewMailer(ctx context.Context, from string, opts ...option.ClientOption) (*Mailer, error) {
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gmail service: %w", err)
	}
	return &Mailer{svc: svc, from: from, now: time.Now}, nil
}

// Send implements dispatch.Mailer.
func (m *Mailer) Send(ctx context.Context, msg dispatch.Email) (string, error) {
	raw, err := m.compose(msg)
	if err != nil {
		return "", dispatch.NewError(dispatch.ServiceGmail, dispatch.KindInvalid, err)
	}
	sent, err := m.svc.Users.Messages.Send("me", &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}).Context(ctx).Do()
	if err != nil {
		return "", wrap(dispatch.ServiceGmail, err)
	}
	return sent.Id, nil
}

// compose renders msg as an RFC 5322 message with a UTF-8 plain-text body.
func (m *Mailer) compose(msg dispatch.Email) ([]byte, error) {
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return nil, fmt.Errorf("recipient %q: %w", msg.To, err)
	}

	var b strings.Builder
	if m.from != "" {
		from, err := mail.ParseAddress(m.from)
		if err != nil {
			return nil, fmt.Errorf("sender %q: %w", m.from, err)
		}
		fmt.Fprintf(&b, "From: %s\r\n", from.String())
	}
	fmt.Fprintf(&b, "To: %s\r\n", to.String())
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", m.now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@assistclaw>\r\n", uuid.NewString())
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(msg.Body, "\r\n", "\n"), "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String()), nil
}

var _ dispatch.Mailer = (*Mailer)(nil)
