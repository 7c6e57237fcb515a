// Package notify доставляет абонемент покупателю и сообщает о продаже во внешнюю систему.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/mmeshcher/alfa-voucher/internal/model"
)

// ErrMailerNotConfigured возвращается, если не задан SMTP-сервер или отправитель.
var ErrMailerNotConfigured = errors.New("smtp is not configured")

const mailTimeout = 20 * time.Second

var mailBody = template.Must(template.New("mail").Parse(`<p>Здравствуйте!</p>
<p>Спасибо за покупку. Ваш абонемент «{{.ServiceName}}» во вложении.</p>
<p>Стоимость: {{.Price}} руб.</p>
<p>Абонемент также доступен по ссылке: <a href="{{.URL}}">{{.URL}}</a></p>
<p>Номер документа: {{.DocID}}</p>`))

// SMTPConfig задаёт параметры почтового сервера.
type SMTPConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	From            string
	FromName        string
	Encryption      string
	AllowSelfSigned bool
}

// Mailer отправляет абонементы по SMTP.
type Mailer struct {
	cfg SMTPConfig
}

// NewMailer создаёт Mailer. Без хоста или отправителя каждая отправка завершается ErrMailerNotConfigured.
func NewMailer(cfg SMTPConfig) *Mailer {
	return &Mailer{cfg: cfg}
}

// Configured сообщает, заданы ли параметры SMTP.
func (m *Mailer) Configured() bool {
	return m.cfg.Host != "" && m.cfg.From != ""
}

// SendVoucher отправляет письмо с PDF абонемента во вложении.
func (m *Mailer) SendVoucher(ctx context.Context, o *model.Order, v *model.Voucher, accessURL string, pdf []byte) error {
	if !m.Configured() {
		return ErrMailerNotConfigured
	}

	msg, err := m.buildMessage(o, v, accessURL, pdf)
	if err != nil {
		return err
	}

	client, err := mail.NewClient(m.cfg.Host, m.clientOptions()...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send voucher mail: %w", err)
	}
	return nil
}

func (m *Mailer) buildMessage(o *model.Order, v *model.Voucher, accessURL string, pdf []byte) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.FromFormat(m.cfg.FromName, m.cfg.From); err != nil {
		return nil, fmt.Errorf("set from: %w", err)
	}
	if err := msg.To(v.Email); err != nil {
		return nil, fmt.Errorf("set recipient: %w", err)
	}
	msg.Subject(Subject(o.ServiceName))

	var body bytes.Buffer
	err := mailBody.Execute(&body, struct {
		ServiceName string
		Price       int64
		URL         string
		DocID       string
	}{o.ServiceName, o.Price, accessURL, v.DocID})
	if err != nil {
		return nil, fmt.Errorf("render mail body: %w", err)
	}
	msg.SetBodyString(mail.TypeTextHTML, body.String())

	if err := msg.AttachReader(AttachmentName(v.DocID), bytes.NewReader(pdf),
		mail.WithFileContentType(mail.ContentType("application/pdf"))); err != nil {
		return nil, fmt.Errorf("attach voucher: %w", err)
	}
	return msg, nil
}

func (m *Mailer) clientOptions() []mail.Option {
	opts := []mail.Option{mail.WithTimeout(mailTimeout)}
	if m.cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.User),
			mail.WithPassword(m.cfg.Password),
		)
	}

	switch strings.ToLower(m.cfg.Encryption) {
	case "ssl", "smtps":
		opts = append(opts, mail.WithSSL())
	case "tls", "starttls":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}

	if m.cfg.AllowSelfSigned {
		opts = append(opts, mail.WithTLSConfig(&tls.Config{
			ServerName:         m.cfg.Host,
			InsecureSkipVerify: true, //nolint:gosec // включается явно через SMTP_ALLOW_SELF_SIGNED
		}))
	}
	if m.cfg.Port > 0 {
		opts = append(opts, mail.WithPort(m.cfg.Port))
	}
	return opts
}

// Subject возвращает тему письма с абонементом.
func Subject(serviceName string) string {
	return "Ваш абонемент — " + serviceName
}

// AttachmentName возвращает имя вложения.
func AttachmentName(docID string) string {
	return "abonement_" + docID + ".pdf"
}
