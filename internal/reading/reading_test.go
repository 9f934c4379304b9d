package reading

import (
	"testing"

	"github.com/rustythermostat/sensor-gateway/internal/deviceid"
)

func sampleID() deviceid.ID {
	id, err := deviceid.Parse("f47ac10b58cc4372a5670e02b2c3d479")
	if err != nil {
		panic(err)
	}
	return id
}

func TestParseEnrollmentAllPresent(t *testing.T) {
	line := "f47ac10b58cc4372a5670e02b2c3d479#TRUE#true#True#TRUE#true"
	id, caps, err := ParseEnrollment(line)
	if err != nil {
		t.Fatalf("ParseEnrollment: %v", err)
	}
	if !id.Equal(sampleID()) {
		t.Errorf("id = %v, want %v", id, sampleID())
	}
	want := Capabilities{Humidity: true, TempC: true, TempF: true, Presence: true, Threshold: true}
	if caps != want {
		t.Errorf("caps = %+v, want %+v", caps, want)
	}
}

func TestParseEnrollmentSomeAbsent(t *testing.T) {
	line := "f47ac10b58cc4372a5670e02b2c3d479#TRUE#A#true#a#TRUE"
	_, caps, err := ParseEnrollment(line)
	if err != nil {
		t.Fatalf("ParseEnrollment: %v", err)
	}
	want := Capabilities{Humidity: true, TempC: false, TempF: true, Presence: false, Threshold: true}
	if caps != want {
		t.Errorf("caps = %+v, want %+v", caps, want)
	}
}

func TestParseReadingAllPresent(t *testing.T) {
	line := "f47ac10b58cc4372a5670e02b2c3d479#48#21.500#70.700#TRUE#FALSE"
	r, err := ParseReading(line)
	if err != nil {
		t.Fatalf("ParseReading: %v", err)
	}
	if r.Humidity == nil || *r.Humidity != 48 {
		t.Errorf("Humidity = %v, want 48", r.Humidity)
	}
	if r.TempC == nil || *r.TempC != 21.5 {
		t.Errorf("TempC = %v, want 21.5", r.TempC)
	}
	if r.TempF == nil || *r.TempF != 70.7 {
		t.Errorf("TempF = %v, want 70.7", r.TempF)
	}
	if r.Presence == nil || *r.Presence != true {
		t.Errorf("Presence = %v, want true", r.Presence)
	}
	if r.ThresholdOpen == nil || *r.ThresholdOpen != false {
		t.Errorf("ThresholdOpen = %v, want false", r.ThresholdOpen)
	}
}

func TestParseReadingAllAbsent(t *testing.T) {
	line := "f47ac10b58cc4372a5670e02b2c3d479#A#A#A#A#A"
	r, err := ParseReading(line)
	if err != nil {
		t.Fatalf("ParseReading: %v", err)
	}
	if r.Humidity != nil || r.TempC != nil || r.TempF != nil || r.Presence != nil || r.ThresholdOpen != nil {
		t.Errorf("expected all fields absent, got %+v", r)
	}
}

func TestParseReadingMixedCaseAbsent(t *testing.T) {
	line := "f47ac10b58cc4372a5670e02b2c3d479#a#A#70.700#a#A"
	r, err := ParseReading(line)
	if err != nil {
		t.Fatalf("ParseReading: %v", err)
	}
	if r.Humidity != nil {
		t.Errorf("Humidity = %v, want nil", r.Humidity)
	}
	if r.TempF == nil || *r.TempF != 70.7 {
		t.Errorf("TempF = %v, want 70.7", r.TempF)
	}
}

func TestParseRejectsWrongFieldCount(t *testing.T) {
	cases := []string{
		"f47ac10b58cc4372a5670e02b2c3d479#48#21.5#70.7#TRUE",
		"f47ac10b58cc4372a5670e02b2c3d479#48#21.5#70.7#TRUE#FALSE#extra",
		"",
	}
	for _, c := range cases {
		if _, err := ParseReading(c); err == nil {
			t.Errorf("ParseReading(%q) succeeded, want error", c)
		}
	}
}

func TestParseRejectsBadDeviceID(t *testing.T) {
	line := "not-a-device-id#48#21.5#70.7#TRUE#FALSE"
	if _, err := ParseReading(line); err == nil {
		t.Fatal("ParseReading accepted an invalid device id")
	}
}

func TestParseRejectsMalformedField(t *testing.T) {
	line := "f47ac10b58cc4372a5670e02b2c3d479#not-a-number#21.5#70.7#TRUE#FALSE"
	if _, err := ParseReading(line); err == nil {
		t.Fatal("ParseReading accepted a malformed humidity field")
	}
}

func TestParseRejectsMalformedBool(t *testing.T) {
	cases := []string{
		"f47ac10b58cc4372a5670e02b2c3d479#48#21.5#70.7#maybe#FALSE",
		// The wire grammar has no numeric boolean form.
		"f47ac10b58cc4372a5670e02b2c3d479#48#21.5#70.7#1#FALSE",
		"f47ac10b58cc4372a5670e02b2c3d479#48#21.5#70.7#TRUE#0",
	}
	for _, c := range cases {
		if _, err := ParseReading(c); err == nil {
			t.Errorf("ParseReading(%q) succeeded, want field error", c)
		}
	}
}

func TestParseEnrollmentRejectsNumericBool(t *testing.T) {
	line := "f47ac10b58cc4372a5670e02b2c3d479#1#TRUE#TRUE#TRUE#TRUE"
	if _, _, err := ParseEnrollment(line); err == nil {
		t.Fatal("ParseEnrollment accepted a numeric capability field")
	}
}
