package bus

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Raw message types carried in the AMQP `type` property.
const (
	TypeStream    = "stream"
	TypeFile      = "file"
	TypeBlacklist = "blacklist"
)

// MessageID derives the deterministic message id for a raw message:
// the MD5 hex digest over source, creation timestamp and body.
func MessageID(source string, created time.Time, body []byte) string {
	h := md5.New()
	fmt.Fprintf(h, "%s\x00%d\x00", source, created.Unix())
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Meta collects the optional per-message metadata carried under the `meta`
// header sub-map.
type Meta struct {
	MailTime         string
	MailSubject      string
	HTTPLastModified string
	MinimumTLP       string
}

// Headers renders the meta sub-map, omitting empty entries. Nil is returned
// when no entry is set.
func (m Meta) Headers() amqp.Table {
	sub := amqp.Table{}
	if m.MailTime != "" {
		sub["mail_time"] = m.MailTime
	}
	if m.MailSubject != "" {
		sub["mail_subject"] = m.MailSubject
	}
	if m.HTTPLastModified != "" {
		sub["http_last_modified"] = m.HTTPLastModified
	}
	if m.MinimumTLP != "" {
		sub["minimum_tlp"] = m.MinimumTLP
	}
	if len(sub) == 0 {
		return nil
	}
	return amqp.Table{"meta": sub}
}

// RawProps builds the standard property set for a raw collector message.
// ContentType is required for the file and blacklist types.
func RawProps(source, msgType, contentType string, created time.Time, body []byte, meta Meta) (*Props, error) {
	switch msgType {
	case TypeStream, TypeFile, TypeBlacklist:
	default:
		return nil, fmt.Errorf("illegal raw message type: %q", msgType)
	}
	if contentType == "" && (msgType == TypeFile || msgType == TypeBlacklist) {
		return nil, fmt.Errorf("content type is required for %q messages", msgType)
	}
	return &Props{
		MessageID:   MessageID(source, created, body),
		Type:        msgType,
		ContentType: contentType,
		Timestamp:   created,
		Headers:     meta.Headers(),
	}, nil
}

// ReplaceRoutingSegment substitutes one dotted segment of a routing key,
// e.g. "event.parsed.src.chan" -> "event.enriched.src.chan".
func ReplaceRoutingSegment(routingKey, from, to string) string {
	parts := strings.Split(routingKey, ".")
	for i, part := range parts {
		if part == from {
			parts[i] = to
			break
		}
	}
	return strings.Join(parts, ".")
}
