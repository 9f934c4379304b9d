package registry

import (
	"sync"
	"time"

	"github.com/rustythermostat/sensor-gateway/internal/deviceid"
	"github.com/rustythermostat/sensor-gateway/internal/reading"
)

// Memory is an in-process Registry backed by a map, guarded by a single
// RWMutex the way internal/engine.Engine guards its device map. It is
// the implementation the gateway's own unit tests use.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*DeviceRecord
	unknown Counters
}

// NewMemory returns an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*DeviceRecord),
		unknown: Counters{Dropped: make(map[DropReason]uint64)},
	}
}

func (m *Memory) Enroll(id deviceid.ID, caps reading.Capabilities) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	banned := false
	if existing, ok := m.records[id.Simple()]; ok {
		banned = existing.Banned
	}

	m.records[id.Simple()] = &DeviceRecord{
		ID:           id,
		Capabilities: caps,
		Banned:       banned,
		EnrolledAt:   time.Now(),
		Counters:     Counters{Dropped: make(map[DropReason]uint64)},
	}
	return nil
}

func (m *Memory) Get(id deviceid.ID) (DeviceRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id.Simple()]
	if !ok {
		return DeviceRecord{}, false, nil
	}
	return snapshotRecord(rec), true, nil
}

// snapshotRecord copies a record, including its drop-counter map, so a
// caller never shares mutable state with the registry's own bookkeeping.
func snapshotRecord(rec *DeviceRecord) DeviceRecord {
	out := *rec
	out.Counters.Dropped = make(map[DropReason]uint64, len(rec.Counters.Dropped))
	for reason, count := range rec.Counters.Dropped {
		out.Counters.Dropped[reason] = count
	}
	return out
}

func (m *Memory) IsBanned(id deviceid.ID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id.Simple()]
	if !ok {
		return false, nil
	}
	return rec.Banned, nil
}

func (m *Memory) Ban(id deviceid.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id.Simple()]
	if !ok {
		rec = &DeviceRecord{ID: id, Counters: Counters{Dropped: make(map[DropReason]uint64)}}
		m.records[id.Simple()] = rec
	}
	rec.Banned = true
	return nil
}

func (m *Memory) Touch(id deviceid.ID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id.Simple()]
	if !ok {
		return nil
	}
	rec.LastSeenAt = at
	rec.Counters.Accepted++
	return nil
}

func (m *Memory) RecordDrop(id deviceid.ID, reason DropReason) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id.IsZero() {
		m.unknown.Dropped[reason]++
		return nil
	}
	rec, ok := m.records[id.Simple()]
	if !ok {
		m.unknown.Dropped[reason]++
		return nil
	}
	rec.Counters.Dropped[reason]++
	return nil
}

func (m *Memory) List() ([]DeviceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]DeviceRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, snapshotRecord(rec))
	}
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
