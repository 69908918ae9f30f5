package events

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	mail "github.com/go-mail/mail"
	"github.com/ruteri/threshold-vault-backend/interfaces"
)

// SMTPConfig configures outgoing notification mail.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	From     string `yaml:"from"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// TLSMode is "auto" (STARTTLS when offered), "ssl" or "none".
	TLSMode string `yaml:"tls_mode"`
	// AddressBook maps user ids to mail addresses for recipients that are not
	// already addresses.
	AddressBook map[string]string `yaml:"address_book"`
}

// SMTPNotifier mails notifications, one message per recipient.
type SMTPNotifier struct {
	cfg    SMTPConfig
	dialer *mail.Dialer
	log    *slog.Logger
}

func NewSMTPNotifier(cfg SMTPConfig, log *slog.Logger) (*SMTPNotifier, error) {
	if cfg.Host == "" || cfg.From == "" {
		return nil, errors.New("smtp host and from address are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}

	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	switch cfg.TLSMode {
	case "ssl":
		d.SSL = true
	case "none":
		d.StartTLSPolicy = mail.NoStartTLS
	}

	return &SMTPNotifier{cfg: cfg, dialer: d, log: log.With("component", "smtp")}, nil
}

// resolve maps a recipient to a mail address.
func (n *SMTPNotifier) resolve(recipient string) (string, bool) {
	if strings.Contains(recipient, "@") {
		return recipient, true
	}
	addr, ok := n.cfg.AddressBook[recipient]
	return addr, ok
}

func (n *SMTPNotifier) Notify(ctx context.Context, msg interfaces.Notification) error {
	var errs []error
	for _, recipient := range msg.Recipients {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		to, ok := n.resolve(recipient)
		if !ok {
			n.log.Debug("no address for recipient, skipping", "recipient", recipient)
			continue
		}

		m := mail.NewMessage()
		m.SetHeader("From", n.cfg.From)
		m.SetHeader("To", to)
		m.SetHeader("Subject", msg.Subject)
		m.SetBody("text/plain", msg.Body)

		if err := n.dialer.DialAndSend(m); err != nil {
			errs = append(errs, fmt.Errorf("smtp send to %s: %w", to, err))
			continue
		}
		n.log.Info("notification sent", "type", string(msg.Type), "to", to)
	}
	return errors.Join(errs...)
}
