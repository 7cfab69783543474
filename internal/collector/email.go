package collector

import (
	"context"
	"io"
	"net/mail"
	"strings"

	"github.com/certhub/threatpipe/internal/event"
	"github.com/certhub/threatpipe/pkg/bus"
	"github.com/certhub/threatpipe/pkg/errors"
)

// EmailCollector reads one raw RFC 5322 message from its input (normally
// standard input, fed by the mail delivery agent) and publishes it as a raw
// message, with the mail date and subject recorded in the meta headers.
type EmailCollector struct {
	*Base
	Input io.Reader
}

// NewEmailCollector builds an email-source collector over the given input.
func NewEmailCollector(base *Base, input io.Reader) *EmailCollector {
	return &EmailCollector{Base: base, Input: input}
}

// RunHandling reads the whole message, extracts the meta headers and
// publishes a single raw message.
func (c *EmailCollector) RunHandling(ctx context.Context) error {
	raw, err := io.ReadAll(c.Input)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCollector, "cannot read the input message")
	}
	if len(raw) == 0 {
		return errors.New(errors.ErrCodeCollector, "empty input message")
	}

	meta := c.extractMeta(raw)
	return c.Publish(raw, meta)
}

// extractMeta pulls mail_time and mail_subject out of the message headers.
// A malformed message still gets published, just without the meta entries.
func (c *EmailCollector) extractMeta(raw []byte) bus.Meta {
	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	if err != nil {
		c.Log.Warn().Err(err).Msg("Cannot parse the mail headers")
		return bus.Meta{}
	}

	var meta bus.Meta
	if date, derr := msg.Header.Date(); derr == nil {
		meta.MailTime = date.UTC().Format(event.TimeLayout)
	}
	if subject := msg.Header.Get("Subject"); subject != "" {
		meta.MailSubject = normalizeSubject(subject)
	}
	return meta
}

// normalizeSubject collapses any run of whitespace (folded header
// continuations included) into single spaces.
func normalizeSubject(subject string) string {
	return strings.Join(strings.Fields(subject), " ")
}
