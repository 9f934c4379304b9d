package command

import (
	"testing"

	"github.com/rustythermostat/sensor-gateway/internal/deviceid"
)

func sampleID() deviceid.ID {
	id, _ := deviceid.Parse("f47ac10b58cc4372a5670e02b2c3d479")
	return id
}

func TestSetPollDelayEncode(t *testing.T) {
	c := SetPollDelay(sampleID(), 30000)
	want := "SET#delay#30000#A#A#A"
	if got := c.Encode(); got != want {
		t.Errorf("Encode() = %q, want %q", got, want)
	}
}

func TestSetActiveEncode(t *testing.T) {
	cases := []struct {
		active bool
		want   string
	}{
		{true, "SET#active#TRUE#A#A#A"},
		{false, "SET#active#FALSE#A#A#A"},
	}
	for _, c := range cases {
		cmd := SetActive(sampleID(), c.active)
		if got := cmd.Encode(); got != c.want {
			t.Errorf("SetActive(%v).Encode() = %q, want %q", c.active, got, c.want)
		}
	}
}

func TestParseEncodeRoundTrip(t *testing.T) {
	id := sampleID()
	c := SetPollDelay(id, 1500)
	line := c.Encode()
	got, err := Parse(id, line)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Encode() != line {
		t.Errorf("Parse(Encode()).Encode() = %q, want %q", got.Encode(), line)
	}
	if !got.Destination.Equal(id) {
		t.Errorf("Destination = %v, want %v", got.Destination, id)
	}
}

func TestParseRejectsWrongFieldCount(t *testing.T) {
	if _, err := Parse(sampleID(), "SET#delay#30000#A#A"); err == nil {
		t.Fatal("Parse accepted a line with only 5 fields")
	}
}

func TestParseRejectsUnknownVerbGroup(t *testing.T) {
	if _, err := Parse(sampleID(), "GET#delay#30000#A#A#A"); err == nil {
		t.Fatal("Parse accepted a line not starting with SET")
	}
}

func TestParseRejectsUnknownVerb(t *testing.T) {
	if _, err := Parse(sampleID(), "SET#reboot#30000#A#A#A"); err == nil {
		t.Fatal("Parse accepted an unrecognized verb")
	}
}
