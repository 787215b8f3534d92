package email

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/api/gmail/v1"
)

// GmailProvider sends emails via Gmail API.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		logger:  logger,
	}
}

// sanitizeHeader drops CR, LF and other control characters so a value cannot
// start a new header line.
func sanitizeHeader(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// rawMessage builds the base64url MIME message the Gmail API expects.
// The From address is set by Gmail from the authenticated account.
func rawMessage(to, subject, htmlBody string) string {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString(fmt.Sprintf("To: %s\r\n", sanitizeHeader(to)))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", sanitizeHeader(subject)))
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n")
	msg.WriteString(htmlBody)
	return base64.URLEncoding.EncodeToString([]byte(msg.String()))
}

// Send sends an email via Gmail API.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	raw := rawMessage(to, subject, htmlBody)
	return sendWithRetry(ctx, g.logger, "gmail", to, func() error {
		_, err := g.service.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
		return err
	})
}
