// Package command builds the outbound instructions the gateway sends
// to an operational device: the two verbs from the wire spec, "SET
// delay" and "SET active", each padded to the same six '#'-delimited
// field shape every other message on the bus uses. Grounded on the
// teacher's CreateValveCommand/CreateTimeSyncMessage builder-function
// style in internal/lora/driver.go, adapted to this wire format instead
// of a binary LoRa payload.
package command

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rustythermostat/sensor-gateway/internal/deviceid"
)

const absent = "A"

// FieldCount is the number of '#'-delimited components in every
// outbound command line, matching reading.FieldCount so the two wire
// shapes pad identically.
const FieldCount = 6

// Command is a single outbound instruction addressed to one device. Its
// destination is carried out of band (the key used to seal the frame),
// not embedded in the plaintext: only the addressed device can decrypt
// a frame sealed under its own key.
type Command struct {
	Destination deviceid.ID
	Verb        string
	Arg         string
}

// SetPollDelay builds the command that changes how often a device
// reports a reading, in milliseconds.
func SetPollDelay(destination deviceid.ID, delayMillis uint) Command {
	return Command{Destination: destination, Verb: "delay", Arg: strconv.FormatUint(uint64(delayMillis), 10)}
}

// SetActive builds the command that enables or disables a device's
// reporting without un-enrolling it.
func SetActive(destination deviceid.ID, active bool) Command {
	arg := "FALSE"
	if active {
		arg = "TRUE"
	}
	return Command{Destination: destination, Verb: "active", Arg: arg}
}

// Encode renders the command to its six-field wire line: SET, the
// verb, the argument, and three padding fields carrying the absent
// sentinel. The caller's seccrypto/frame layer handles encryption and
// framing; Encode only ever produces the plaintext.
func (c Command) Encode() string {
	return strings.Join([]string{"SET", c.Verb, c.Arg, absent, absent, absent}, "#")
}

// Parse reconstructs a Command from its wire line, the inverse of
// Encode for the verb and argument (destination is not recoverable
// from the plaintext and must be supplied by the caller, who knows
// which device's key decrypted the frame).
func Parse(destination deviceid.ID, line string) (Command, error) {
	parts := strings.Split(strings.TrimSpace(line), "#")
	if len(parts) != FieldCount {
		return Command{}, fmt.Errorf("command: expected %d fields, got %d", FieldCount, len(parts))
	}
	if parts[0] != "SET" {
		return Command{}, fmt.Errorf("command: unrecognized verb group %q", parts[0])
	}
	switch parts[1] {
	case "delay", "active":
	default:
		return Command{}, fmt.Errorf("command: unrecognized verb %q", parts[1])
	}
	return Command{Destination: destination, Verb: parts[1], Arg: parts[2]}, nil
}
