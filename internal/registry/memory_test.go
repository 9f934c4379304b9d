package registry

import (
	"testing"
	"time"

	"github.com/rustythermostat/sensor-gateway/internal/deviceid"
	"github.com/rustythermostat/sensor-gateway/internal/reading"
)

func TestMemoryEnrollAndGet(t *testing.T) {
	m := NewMemory()
	id := deviceid.New()
	caps := reading.Capabilities{Humidity: true, TempC: true}

	if err := m.Enroll(id, caps); err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	rec, ok, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("Get reported device not found after Enroll")
	}
	if rec.Capabilities != caps {
		t.Errorf("Capabilities = %+v, want %+v", rec.Capabilities, caps)
	}
	if rec.Banned {
		t.Error("newly enrolled device reported Banned = true")
	}
}

func TestMemoryGetUnknownDevice(t *testing.T) {
	m := NewMemory()
	_, ok, err := m.Get(deviceid.New())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("Get reported found for a device never enrolled")
	}
}

func TestMemoryBanSurvivesReEnroll(t *testing.T) {
	m := NewMemory()
	id := deviceid.New()
	if err := m.Enroll(id, reading.Capabilities{}); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if err := m.Ban(id); err != nil {
		t.Fatalf("Ban: %v", err)
	}

	if err := m.Enroll(id, reading.Capabilities{Humidity: true}); err != nil {
		t.Fatalf("re-Enroll: %v", err)
	}

	banned, err := m.IsBanned(id)
	if err != nil {
		t.Fatalf("IsBanned: %v", err)
	}
	if !banned {
		t.Fatal("re-enrolling a banned device cleared its ban")
	}
}

func TestMemoryIsBannedUnknownDevice(t *testing.T) {
	m := NewMemory()
	banned, err := m.IsBanned(deviceid.New())
	if err != nil {
		t.Fatalf("IsBanned: %v", err)
	}
	if banned {
		t.Fatal("IsBanned reported true for a device never seen")
	}
}

func TestMemoryTouchIncrementsAccepted(t *testing.T) {
	m := NewMemory()
	id := deviceid.New()
	if err := m.Enroll(id, reading.Capabilities{}); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	now := time.Now()
	if err := m.Touch(id, now); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := m.Touch(id, now); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	rec, _, _ := m.Get(id)
	if rec.Counters.Accepted != 2 {
		t.Errorf("Accepted = %d, want 2", rec.Counters.Accepted)
	}
	if !rec.LastSeenAt.Equal(now) {
		t.Errorf("LastSeenAt = %v, want %v", rec.LastSeenAt, now)
	}
}

func TestMemoryRecordDropUnknownDevice(t *testing.T) {
	m := NewMemory()
	if err := m.RecordDrop(deviceid.ID{}, DropFraming); err != nil {
		t.Fatalf("RecordDrop: %v", err)
	}
	// Should not panic or error; nothing further to assert since the
	// unknown bucket isn't exposed via List.
}

func TestMemoryRecordDropKnownDevice(t *testing.T) {
	m := NewMemory()
	id := deviceid.New()
	if err := m.Enroll(id, reading.Capabilities{}); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if err := m.RecordDrop(id, DropAuth); err != nil {
		t.Fatalf("RecordDrop: %v", err)
	}
	rec, _, _ := m.Get(id)
	if rec.Counters.Dropped[DropAuth] != 1 {
		t.Errorf("Dropped[DropAuth] = %d, want 1", rec.Counters.Dropped[DropAuth])
	}
}

func TestMemoryList(t *testing.T) {
	m := NewMemory()
	a, b := deviceid.New(), deviceid.New()
	m.Enroll(a, reading.Capabilities{})
	m.Enroll(b, reading.Capabilities{})

	list, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(list))
	}
}
