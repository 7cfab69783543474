package collector

import (
	"context"
	"strings"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/certhub/threatpipe/pkg/bus"
)

const sampleEmail = "From: reporter@example.org\r\n" +
	"To: feed@example.net\r\n" +
	"Date: Tue, 10 Sep 2019 12:30:00 +0200\r\n" +
	"Subject: incident\r\n report\t42\r\n" +
	"\r\n" +
	"1.2.3.4,malware,2019-09-10\r\n"

func metaSubMap(t *testing.T, props *bus.Props) amqp.Table {
	t.Helper()
	if props == nil || props.Headers == nil {
		t.Fatal("no headers on the published message")
	}
	sub, ok := props.Headers["meta"].(amqp.Table)
	if !ok {
		t.Fatalf("no meta sub-map: %v", props.Headers)
	}
	return sub
}

func TestEmailCollectorPublishesRawMessageWithMeta(t *testing.T) {
	pusher := &capturingPusher{}
	base := NewBase("mailsource.testchannel", bus.TypeFile, "message/rfc822", pusher, testLogger())
	c := NewEmailCollector(base, strings.NewReader(sampleEmail))

	if err := c.RunHandling(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(pusher.pushed) != 1 {
		t.Fatalf("published %d messages, want 1", len(pusher.pushed))
	}
	if string(pusher.pushed[0].body) != sampleEmail {
		t.Error("published body differs from the raw input message")
	}

	meta := metaSubMap(t, pusher.pushed[0].props)
	if meta["mail_time"] != "2019-09-10 10:30:00" {
		t.Errorf("mail_time = %v, want 2019-09-10 10:30:00 (UTC)", meta["mail_time"])
	}
	if meta["mail_subject"] != "incident report 42" {
		t.Errorf("mail_subject = %v, want the folded subject collapsed", meta["mail_subject"])
	}
}

func TestEmailCollectorEmptyInputFails(t *testing.T) {
	pusher := &capturingPusher{}
	base := NewBase("mailsource.testchannel", bus.TypeFile, "message/rfc822", pusher, testLogger())
	c := NewEmailCollector(base, strings.NewReader(""))

	if err := c.RunHandling(context.Background()); err == nil {
		t.Error("empty input accepted")
	}
	if len(pusher.pushed) != 0 {
		t.Error("message published for empty input")
	}
}

func TestEmailCollectorUnparseableHeadersStillPublishes(t *testing.T) {
	pusher := &capturingPusher{}
	base := NewBase("mailsource.testchannel", bus.TypeFile, "message/rfc822", pusher, testLogger())
	c := NewEmailCollector(base, strings.NewReader("garbage that is not an email"))

	if err := c.RunHandling(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(pusher.pushed) != 1 {
		t.Fatalf("published %d messages, want 1", len(pusher.pushed))
	}
}
