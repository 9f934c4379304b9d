// Package registry is the sensor-registry collaborator the gateway
// records enrolled devices in: what capabilities each declared, whether
// it has been banned, and its reading and drop counters. It is deliberately
// narrow: state-machine phase lives in the gateway's own Port, not
// here. Grounded on internal/storage's migrate()-via-CREATE-TABLE and
// one-struct-per-table style, scoped down to a single devices table.
package registry

import (
	"time"

	"github.com/rustythermostat/sensor-gateway/internal/deviceid"
	"github.com/rustythermostat/sensor-gateway/internal/reading"
)

// DropReason names why an inbound frame or line was discarded, matching
// the error taxonomy the gateway enforces.
type DropReason string

const (
	DropFraming  DropReason = "framing"
	DropAuth     DropReason = "auth"
	DropDecrypt  DropReason = "decrypt"
	DropShape    DropReason = "shape"
	DropField    DropReason = "field"
	DropProtocol DropReason = "protocol"
	DropTimeout  DropReason = "timeout"
	DropBanned   DropReason = "banned"
)

// Counters tallies drops per reason plus frames accepted, for
// observability via gatewayctl.
type Counters struct {
	Accepted uint64
	Dropped  map[DropReason]uint64
}

// DeviceRecord is everything the registry remembers about one device.
type DeviceRecord struct {
	ID           deviceid.ID
	Capabilities reading.Capabilities
	Banned       bool
	EnrolledAt   time.Time
	LastSeenAt   time.Time
	Counters     Counters
}

// Registry is the interface the gateway's state machine depends on. It
// is implemented by an in-memory map for tests and a SQLite-backed
// store for the daemon.
type Registry interface {
	// Enroll records a newly provisioned device. It replaces the
	// capabilities and enrollment time of any prior record for the same
	// id; a banned flag already set on that record is kept.
	Enroll(id deviceid.ID, caps reading.Capabilities) error

	// Get returns the record for id, if any.
	Get(id deviceid.ID) (DeviceRecord, bool, error)

	// IsBanned reports whether id is banned. It must succeed even for
	// ids the registry has never seen enrolled (they are never banned).
	IsBanned(id deviceid.ID) (bool, error)

	// Ban marks id as permanently banned on this registry.
	Ban(id deviceid.ID) error

	// Touch updates a device's last-seen timestamp and accepted
	// counter.
	Touch(id deviceid.ID, at time.Time) error

	// RecordDrop increments the counter for reason against id. id may
	// be the zero ID when no device could be identified yet (e.g. a
	// framing error before any id is known); implementations track
	// those under a synthetic "unknown" bucket.
	RecordDrop(id deviceid.ID, reason DropReason) error

	// List returns every known device record, for administrative
	// inspection.
	List() ([]DeviceRecord, error)

	// Close releases any resources the registry holds open.
	Close() error
}
