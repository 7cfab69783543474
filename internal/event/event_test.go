package event

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestTimeWireFormatRoundTrip(t *testing.T) {
	in := `"2017-06-01 10:00:00"`
	var et Time
	if err := json.Unmarshal([]byte(in), &et); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	want := time.Date(2017, 6, 1, 10, 0, 0, 0, time.UTC)
	if !et.Equal(want) {
		t.Errorf("parsed = %v, want %v", et.Time, want)
	}
	out, err := json.Marshal(et)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != in {
		t.Errorf("marshal = %s, want %s", out, in)
	}
}

func TestParseTimeAcceptsRFC3339(t *testing.T) {
	et, err := ParseTime("2020-01-23T19:52:17+01:00")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2020, 1, 23, 18, 52, 17, 0, time.UTC)
	if !et.Equal(want) {
		t.Errorf("parsed = %v, want %v", et.Time, want)
	}
}

func TestEventUnmarshalWithGroup(t *testing.T) {
	body := `{
		"source": "testsource.testchannel",
		"_group": "group1",
		"id": "d41d8cd98f00b204e9800998ecf8427b",
		"time": "2017-06-01 10:00:00"
	}`
	e, err := Unmarshal([]byte(body))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if e.Group != "group1" {
		t.Errorf("group = %q, want group1", e.Group)
	}
	if err := e.Validate(); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestEventMarshalStripsEmptyGroup(t *testing.T) {
	e := &Event{
		ID:     "d41d8cd98f00b204e9800998ecf8427b",
		Source: "testsource.testchannel",
		Time:   NewTime(time.Date(2017, 6, 1, 10, 0, 0, 0, time.UTC)),
	}
	body, err := e.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(body), "_group") {
		t.Errorf("empty _group serialized: %s", body)
	}
}

func TestValidateRejectsBadAttributes(t *testing.T) {
	base := func() *Event {
		return &Event{
			ID:     "d41d8cd98f00b204e9800998ecf8427b",
			Source: "src.chan",
			Time:   NewTime(time.Now()),
		}
	}

	cases := []struct {
		name   string
		mutate func(*Event)
	}{
		{"bad id", func(e *Event) { e.ID = "XYZ" }},
		{"uppercase id", func(e *Event) { e.ID = strings.ToUpper(e.ID) }},
		{"bad source", func(e *Event) { e.Source = "nochannel" }},
		{"bad category", func(e *Event) { e.Category = "weird" }},
		{"bad confidence", func(e *Event) { e.Confidence = "certain" }},
		{"bad restriction", func(e *Event) { e.Restriction = "secret" }},
		{"no time", func(e *Event) { e.Time = Time{} }},
	}
	for _, c := range cases {
		e := base()
		c.mutate(e)
		if err := e.Validate(); err == nil {
			t.Errorf("%s: validation passed, want error", c.name)
		}
	}
	if err := base().Validate(); err != nil {
		t.Errorf("valid event rejected: %v", err)
	}
}

func TestEnrichedTupleSerialization(t *testing.T) {
	e := Enriched{
		Fields: []string{"fqdn"},
		PerIP:  map[string][]string{"1.2.3.4": {"asn", "cc", "ip"}},
	}
	out, err := json.Marshal(e)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Enriched
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(back.Fields) != 1 || back.Fields[0] != "fqdn" {
		t.Errorf("fields = %v", back.Fields)
	}
	if got := back.PerIP["1.2.3.4"]; len(got) != 3 {
		t.Errorf("per-ip fields = %v", got)
	}

	empty, err := json.Marshal(Enriched{})
	if err != nil {
		t.Fatalf("marshal empty: %v", err)
	}
	if string(empty) != `[[],{}]` {
		t.Errorf("empty tuple = %s, want [[],{}]", empty)
	}
}

func TestSortAddressesTextualOrderAndDedup(t *testing.T) {
	ips := []string{
		"2.2.2.2", "127.0.0.1", "13.1.2.3", "1.1.1.1", "127.0.0.1",
		"13.1.2.3", "12.11.10.9", "13.1.2.3", "1.0.1.1",
	}
	addrs := make([]Address, len(ips))
	for i, ip := range ips {
		addrs[i] = Address{IP: ip}
	}
	got := SortAddresses(addrs)
	want := []string{"1.0.1.1", "1.1.1.1", "12.11.10.9", "127.0.0.1", "13.1.2.3", "2.2.2.2"}
	if len(got) != len(want) {
		t.Fatalf("got %d addresses, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].IP != want[i] {
			t.Errorf("address %d = %s, want %s", i, got[i].IP, want[i])
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	until := NewTime(time.Now())
	e := &Event{
		ID:      "d41d8cd98f00b204e9800998ecf8427b",
		Source:  "src.chan",
		Time:    NewTime(time.Now()),
		Address: []Address{{IP: "1.2.3.4", ASN: 42}},
		Until:   &until,
		Custom:  map[string]interface{}{"k": "v"},
	}
	clone := e.Clone()
	clone.Address[0].IP = "9.9.9.9"
	clone.Custom["k"] = "changed"
	*clone.Until = NewTime(time.Unix(0, 0))

	if e.Address[0].IP != "1.2.3.4" {
		t.Error("clone shares the address slice")
	}
	if e.Custom["k"] != "v" {
		t.Error("clone shares the custom map")
	}
	if e.Until.Equal(time.Unix(0, 0)) {
		t.Error("clone shares the until pointer")
	}
}
