package mailer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"go.uber.org/zap"

	"github.com/septivank/kpi-notification-worker/internal/notify"
)

// sender is the part of a shoutrrr router the mailer uses
type sender interface {
	Send(message string, params *stypes.Params) []error
}

// SMTPMailer delivers alert emails through a shoutrrr smtp:// service URL.
// The configured URL carries host, credentials and options; the recipient is
// set per message.
type SMTPMailer struct {
	base      *url.URL
	from      string
	timeout   time.Duration
	logger    *zap.Logger
	newSender func(rawURL string, timeout time.Duration) (sender, error)
}

// New validates serviceURL and returns a mailer for it
func New(serviceURL, from string, timeout time.Duration, logger *zap.Logger) (*SMTPMailer, error) {
	base, err := url.Parse(serviceURL)
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP_URL: %w", redact(err, serviceURL))
	}
	if base.Scheme == "" {
		return nil, errors.New("invalid SMTP_URL: missing scheme")
	}

	m := &SMTPMailer{
		base:      base,
		from:      from,
		timeout:   timeout,
		logger:    logger.With(zap.String("component", "mailer")),
		newSender: createSender,
	}

	// build once so a bad URL fails at startup rather than on the first alert
	if _, err := m.newSender(m.recipientURL("check@example.org"), timeout); err != nil {
		return nil, fmt.Errorf("invalid SMTP_URL: %w", err)
	}
	return m, nil
}

func createSender(rawURL string, timeout time.Duration) (sender, error) {
	s, err := shoutrrr.CreateSender(rawURL)
	if err != nil {
		return nil, redact(err, rawURL)
	}
	if timeout > 0 {
		s.Timeout = timeout
	}
	s.SetLogger(log.New(io.Discard, "", 0))
	return s, nil
}

// recipientURL returns the service URL addressed to one recipient
func (m *SMTPMailer) recipientURL(to string) string {
	u := *m.base
	q := u.Query()
	q.Set("toaddresses", to)
	if m.from != "" && q.Get("fromaddress") == "" {
		q.Set("fromaddress", m.from)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Send delivers one email. The router applies its own timeout; ctx
// cancellation is observed before sending.
func (m *SMTPMailer) Send(ctx context.Context, email notify.Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(email.To) == "" {
		return errors.New("email has no recipient")
	}

	rawURL := m.recipientURL(email.To)
	s, err := m.newSender(rawURL, m.timeout)
	if err != nil {
		return err
	}

	params := stypes.Params{}
	params.SetTitle(email.Subject)

	for _, e := range s.Send(email.Body, &params) {
		if e != nil {
			return redact(e, rawURL)
		}
	}

	m.logger.Debug("email accepted", zap.String("to", email.To))
	return nil
}

// redact strips credentials of rawURL from err's message
func redact(err error, rawURL string) error {
	if err == nil {
		return nil
	}
	u, perr := url.Parse(rawURL)
	if perr != nil || u.User == nil {
		return err
	}
	pass, ok := u.User.Password()
	if !ok || pass == "" {
		return err
	}
	msg := strings.ReplaceAll(err.Error(), pass, "xxxxx")
	if escaped := url.QueryEscape(pass); escaped != pass {
		msg = strings.ReplaceAll(msg, escaped, "xxxxx")
	}
	return errors.New(msg)
}
