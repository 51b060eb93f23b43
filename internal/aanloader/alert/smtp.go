package alert

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/aanproject/aanloader/internal/aanloader/configuration"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SmtpSink mails alerts as plain text through a relay.
type SmtpSink struct {
	config   configuration.SmtpConfig
	sendMail sendMailFunc
	now      func() time.Time
}

func NewSmtpSink(config configuration.SmtpConfig) *SmtpSink {
	return &SmtpSink{
		config:   config,
		sendMail: smtp.SendMail,
		now:      time.Now,
	}
}

func (s *SmtpSink) Name() string {
	return "smtp"
}

func (s *SmtpSink) Send(_ context.Context, alert Alert) error {
	var auth smtp.Auth
	if s.config.Username != "" {
		host, _, err := net.SplitHostPort(s.config.Address)
		if err != nil {
			return errors.WithStack(err)
		}
		auth = smtp.PlainAuth("", s.config.Username, s.config.Password, host)
	}
	err := s.sendMail(s.config.Address, auth, s.config.Sender, s.config.Recipients, s.message(alert))
	return errors.Wrapf(err, "mailing %s", strings.Join(s.config.Recipients, ","))
}

func (s *SmtpSink) message(alert Alert) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", s.config.Sender)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(s.config.Recipients, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", headerValue(alert.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", s.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(alert.Message, "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

// headerValue keeps a value on a single header line.
func headerValue(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
