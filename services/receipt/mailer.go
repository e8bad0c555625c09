package receipt

//go:generate mockgen -destination=mocks/receipt.go -package=mocks impact-donations/services/receipt Mailer,Archive

import (
	"context"
	"io"

	"impact-donations/pkg/config"
	"impact-donations/pkg/errutil"

	"gopkg.in/gomail.v2"
)

type Message struct {
	To             string
	Subject        string
	Body           string
	AttachmentName string
	Attachment     []byte
}

type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

type smtpMailer struct {
	dialer *gomail.Dialer
	from   string
}

func NewMailer(cfg *config.Config) Mailer {
	return &smtpMailer{
		dialer: gomail.NewDialer(cfg.Mail.Host, cfg.Mail.Port, cfg.Mail.Username, cfg.Mail.Password),
		from:   cfg.Mail.From,
	}
}

func (m *smtpMailer) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return errutil.Timeout("mail send cancelled", err)
	}

	mail := gomail.NewMessage()
	mail.SetHeader("From", m.from)
	mail.SetHeader("To", msg.To)
	mail.SetHeader("Subject", msg.Subject)
	mail.SetBody("text/plain", msg.Body)
	if len(msg.Attachment) > 0 {
		mail.Attach(msg.AttachmentName,
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(msg.Attachment)
				return err
			}),
			gomail.SetHeader(map[string][]string{"Content-Type": {"application/pdf"}}),
		)
	}

	if err := m.dialer.DialAndSend(mail); err != nil {
		return errutil.ServiceUnavailable("smtp delivery failed", err)
	}
	return nil
}
