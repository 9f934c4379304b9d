package registry

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rustythermostat/sensor-gateway/internal/deviceid"
	"github.com/rustythermostat/sensor-gateway/internal/reading"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteEnrollAndGet(t *testing.T) {
	s := openTestSQLite(t)
	id := deviceid.New()
	caps := reading.Capabilities{Humidity: true, Presence: true}

	if err := s.Enroll(id, caps); err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	rec, ok, err := s.Get(id)
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
	if rec.EnrolledAt.IsZero() {
		t.Error("EnrolledAt not set")
	}
}

func TestSQLiteGetUnknownDevice(t *testing.T) {
	s := openTestSQLite(t)
	_, ok, err := s.Get(deviceid.New())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("Get reported found for a device never enrolled")
	}
}

func TestSQLiteBanSurvivesReEnroll(t *testing.T) {
	s := openTestSQLite(t)
	id := deviceid.New()
	if err := s.Enroll(id, reading.Capabilities{}); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if err := s.Ban(id); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	if err := s.Enroll(id, reading.Capabilities{Humidity: true}); err != nil {
		t.Fatalf("re-Enroll: %v", err)
	}

	banned, err := s.IsBanned(id)
	if err != nil {
		t.Fatalf("IsBanned: %v", err)
	}
	if !banned {
		t.Fatal("re-enrolling a banned device cleared its ban")
	}
}

func TestSQLiteBanUnenrolledDevice(t *testing.T) {
	s := openTestSQLite(t)
	id := deviceid.New()
	if err := s.Ban(id); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	banned, err := s.IsBanned(id)
	if err != nil {
		t.Fatalf("IsBanned: %v", err)
	}
	if !banned {
		t.Fatal("banning a never-enrolled id did not stick")
	}
}

func TestSQLiteTouch(t *testing.T) {
	s := openTestSQLite(t)
	id := deviceid.New()
	if err := s.Enroll(id, reading.Capabilities{}); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	at := time.Now().Round(time.Second)
	if err := s.Touch(id, at); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if err := s.Touch(id, at); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	rec, _, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Counters.Accepted != 2 {
		t.Errorf("Accepted = %d, want 2", rec.Counters.Accepted)
	}
	if !rec.LastSeenAt.Equal(at) {
		t.Errorf("LastSeenAt = %v, want %v", rec.LastSeenAt, at)
	}
}

func TestSQLiteTouchUnknownDevice(t *testing.T) {
	s := openTestSQLite(t)
	if err := s.Touch(deviceid.New(), time.Now()); err == nil {
		t.Fatal("Touch succeeded for a device never enrolled")
	}
}

func TestSQLiteRecordDrop(t *testing.T) {
	s := openTestSQLite(t)
	id := deviceid.New()
	if err := s.Enroll(id, reading.Capabilities{}); err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.RecordDrop(id, DropAuth); err != nil {
			t.Fatalf("RecordDrop: %v", err)
		}
	}
	if err := s.RecordDrop(deviceid.ID{}, DropFraming); err != nil {
		t.Fatalf("RecordDrop unknown: %v", err)
	}

	rec, _, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Counters.Dropped[DropAuth] != 3 {
		t.Errorf("Dropped[DropAuth] = %d, want 3", rec.Counters.Dropped[DropAuth])
	}
}

func TestSQLiteList(t *testing.T) {
	s := openTestSQLite(t)
	a, b := deviceid.New(), deviceid.New()
	if err := s.Enroll(a, reading.Capabilities{TempC: true}); err != nil {
		t.Fatalf("Enroll a: %v", err)
	}
	if err := s.Enroll(b, reading.Capabilities{}); err != nil {
		t.Fatalf("Enroll b: %v", err)
	}

	list, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len(List()) = %d, want 2", len(list))
	}
}
