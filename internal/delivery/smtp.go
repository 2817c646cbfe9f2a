package delivery

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/Mutter0815/DripScheduler/pkg/logx"
)

type sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type SMTPProvider struct {
	dialer sender
	domain string
}

func NewSMTP(host string, port int, username, password, fromEmail string) *SMTPProvider {
	domain := "localhost"
	if i := strings.LastIndex(fromEmail, "@"); i >= 0 && i < len(fromEmail)-1 {
		domain = fromEmail[i+1:]
	}
	return &SMTPProvider{dialer: gomail.NewDialer(host, port, username, password), domain: domain}
}

func (p *SMTPProvider) Send(ctx context.Context, msg Message) (Result, error) {
	id := fmt.Sprintf("<%s@%s>", uuid.NewString(), p.domain)

	m := gomail.NewMessage()
	m.SetHeader("From", msg.From)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("Message-ID", id)
	for _, t := range msg.Tags {
		m.SetHeader(tagHeader(t.Name), t.Value)
	}
	m.SetBody("text/html", msg.HTMLBody)

	// gomail не принимает context, поэтому ждём в отдельной горутине
	done := make(chan error, 1)
	go func() { done <- p.dialer.DialAndSend(m) }()

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case err := <-done:
		if err != nil {
			return Result{}, err
		}
		return Result{ProviderMessageID: id}, nil
	}
}

// tagHeader maps "campaign_id" to "X-Campaign-Id".
func tagHeader(name string) string {
	parts := strings.Split(name, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + strings.ToLower(p[1:])
	}
	return "X-" + strings.Join(parts, "-")
}

// DryRun accepts every message and only logs it.
type DryRun struct{}

func (DryRun) Send(ctx context.Context, msg Message) (Result, error) {
	id := uuid.NewString()
	logx.L().Infow("dry_run_send",
		"to", msg.To,
		"subject", msg.Subject,
		"provider_message_id", id,
		"tags", msg.Tags,
	)
	return Result{ProviderMessageID: id}, nil
}
