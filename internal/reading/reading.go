// Package reading parses the six-field, '#'-delimited plaintext payload
// devices send on the wire, both during enrollment (where the five data
// fields describe device capabilities) and in the operational phase
// (where they carry an actual sensor reading). A single universal
// sentinel, a bare 'A' or 'a', marks any field as absent.
//
// Grounded on the original Rust parser's approach: trim, split on '#',
// require exactly six components, and check each of the five data
// fields for the absent sentinel before attempting its typed parse.
package reading

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rustythermostat/sensor-gateway/internal/deviceid"
)

// ErrShape reports a line that does not split into exactly FieldCount
// '#'-delimited components. Callers distinguish it from per-field parse
// failures with errors.Is.
var ErrShape = errors.New("reading: wrong field count")

// FieldCount is the number of '#'-delimited components in every
// enrollment or reading line: the device id followed by five data
// fields.
const FieldCount = 6

// Capabilities records which of the five data fields a device reports,
// as declared during enrollment.
type Capabilities struct {
	Humidity  bool
	TempC     bool
	TempF     bool
	Presence  bool
	Threshold bool
}

// Reading is a single parsed sensor sample. Each field is nil when the
// device reported it absent for this sample.
type Reading struct {
	Device        deviceid.ID
	Humidity      *int
	TempC         *float32
	TempF         *float32
	Presence      *bool
	ThresholdOpen *bool
}

const absentSentinel = "A"

func isAbsent(field string) bool {
	return len(field) == 1 && (field[0] == 'A' || field[0] == 'a')
}

// splitFields trims the line and splits it on '#', requiring exactly
// FieldCount components.
func splitFields(line string) ([FieldCount]string, error) {
	var fields [FieldCount]string
	trimmed := strings.TrimSpace(line)
	parts := strings.Split(trimmed, "#")
	if len(parts) != FieldCount {
		return fields, fmt.Errorf("%w: expected %d, got %d", ErrShape, FieldCount, len(parts))
	}
	copy(fields[:], parts)
	return fields, nil
}

// ParseEnrollment parses a capability-declaration line into a device id
// and its capability vector. Each of the five fields is either the
// absent sentinel (not capable) or a boolean literal; anything else is
// a field error, same as an operational reading.
func ParseEnrollment(line string) (deviceid.ID, Capabilities, error) {
	fields, err := splitFields(line)
	if err != nil {
		return deviceid.ID{}, Capabilities{}, err
	}

	id, err := deviceid.Parse(fields[0])
	if err != nil {
		return deviceid.ID{}, Capabilities{}, fmt.Errorf("reading: device id: %w", err)
	}

	var caps Capabilities
	names := [5]*bool{&caps.Humidity, &caps.TempC, &caps.TempF, &caps.Presence, &caps.Threshold}
	fieldNames := [5]string{"humidity", "temp_c", "temp_f", "presence", "threshold"}
	for i, dst := range names {
		field := fields[i+1]
		if isAbsent(field) {
			*dst = false
			continue
		}
		v, err := parseBool(field)
		if err != nil {
			return deviceid.ID{}, Capabilities{}, fmt.Errorf("reading: %s field: %w", fieldNames[i], err)
		}
		*dst = v
	}
	return id, caps, nil
}

// FormatEnrollment renders id and caps back into the same six-field
// wire shape an enrollment line uses: the form the gateway echoes back
// during the Provisioning step and re-sends, encrypted, during the
// EncryptionProbe step.
func FormatEnrollment(id deviceid.ID, caps Capabilities) string {
	bits := [5]bool{caps.Humidity, caps.TempC, caps.TempF, caps.Presence, caps.Threshold}
	parts := make([]string, 0, FieldCount)
	parts = append(parts, id.Simple())
	for _, b := range bits {
		if b {
			parts = append(parts, "TRUE")
		} else {
			parts = append(parts, "FALSE")
		}
	}
	return strings.Join(parts, "#")
}

// ParseReading parses an operational-phase line into a Reading.
func ParseReading(line string) (Reading, error) {
	fields, err := splitFields(line)
	if err != nil {
		return Reading{}, err
	}

	id, err := deviceid.Parse(fields[0])
	if err != nil {
		return Reading{}, fmt.Errorf("reading: device id: %w", err)
	}

	r := Reading{Device: id}

	if !isAbsent(fields[1]) {
		v, err := strconv.Atoi(fields[1])
		if err != nil {
			return Reading{}, fmt.Errorf("reading: humidity field: %w", err)
		}
		r.Humidity = &v
	}
	if !isAbsent(fields[2]) {
		v, err := parseFloat32(fields[2])
		if err != nil {
			return Reading{}, fmt.Errorf("reading: temp_c field: %w", err)
		}
		r.TempC = &v
	}
	if !isAbsent(fields[3]) {
		v, err := parseFloat32(fields[3])
		if err != nil {
			return Reading{}, fmt.Errorf("reading: temp_f field: %w", err)
		}
		r.TempF = &v
	}
	if !isAbsent(fields[4]) {
		v, err := parseBool(fields[4])
		if err != nil {
			return Reading{}, fmt.Errorf("reading: presence field: %w", err)
		}
		r.Presence = &v
	}
	if !isAbsent(fields[5]) {
		v, err := parseBool(fields[5])
		if err != nil {
			return Reading{}, fmt.Errorf("reading: threshold_open field: %w", err)
		}
		r.ThresholdOpen = &v
	}

	return r, nil
}

func parseFloat32(s string) (float32, error) {
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, err
	}
	return float32(v), nil
}

// parseBool accepts case-insensitive true/false, the only boolean
// literals the wire grammar defines.
func parseBool(s string) (bool, error) {
	if strings.EqualFold(s, "true") {
		return true, nil
	}
	if strings.EqualFold(s, "false") {
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}
