package registry

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rustythermostat/sensor-gateway/internal/deviceid"
	"github.com/rustythermostat/sensor-gateway/internal/reading"
)

// SQLite is a Registry backed by a single-file SQLite database. It
// deliberately carries one table: the teacher's property/zone/schedule
// schema does not apply to this domain, only the device identity and
// ban bookkeeping does.
type SQLite struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	device_id      TEXT PRIMARY KEY,
	cap_humidity   INTEGER NOT NULL DEFAULT 0,
	cap_temp_c     INTEGER NOT NULL DEFAULT 0,
	cap_temp_f     INTEGER NOT NULL DEFAULT 0,
	cap_presence   INTEGER NOT NULL DEFAULT 0,
	cap_threshold  INTEGER NOT NULL DEFAULT 0,
	banned         INTEGER NOT NULL DEFAULT 0,
	enrolled_at    TIMESTAMP,
	last_seen_at   TIMESTAMP,
	accepted_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS drop_counters (
	device_id TEXT NOT NULL,
	reason    TEXT NOT NULL,
	count     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (device_id, reason)
);
`

// unknownDeviceKey is the drop_counters bucket for drops that occur
// before any device id could be identified (e.g. a framing error).
const unknownDeviceKey = ""

// OpenSQLite opens (creating if necessary) a SQLite-backed registry at
// path and runs its migration.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open sqlite: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("registry: migrate: %w", err)
	}
	return nil
}

func (s *SQLite) Enroll(id deviceid.ID, caps reading.Capabilities) error {
	_, err := s.db.Exec(`
		INSERT INTO devices (device_id, cap_humidity, cap_temp_c, cap_temp_f, cap_presence, cap_threshold, enrolled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET
			cap_humidity = excluded.cap_humidity,
			cap_temp_c = excluded.cap_temp_c,
			cap_temp_f = excluded.cap_temp_f,
			cap_presence = excluded.cap_presence,
			cap_threshold = excluded.cap_threshold,
			enrolled_at = excluded.enrolled_at
	`, id.Simple(), boolToInt(caps.Humidity), boolToInt(caps.TempC), boolToInt(caps.TempF),
		boolToInt(caps.Presence), boolToInt(caps.Threshold), time.Now())
	if err != nil {
		return fmt.Errorf("registry: enroll %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) Get(id deviceid.ID) (DeviceRecord, bool, error) {
	row := s.db.QueryRow(`
		SELECT device_id, cap_humidity, cap_temp_c, cap_temp_f, cap_presence, cap_threshold,
		       banned, enrolled_at, last_seen_at, accepted_count
		FROM devices WHERE device_id = ?
	`, id.Simple())

	rec, err := scanDeviceRecord(row)
	if err == sql.ErrNoRows {
		return DeviceRecord{}, false, nil
	}
	if err != nil {
		return DeviceRecord{}, false, fmt.Errorf("registry: get %s: %w", id, err)
	}

	rec.Counters.Dropped, err = s.dropCounters(id.Simple())
	if err != nil {
		return DeviceRecord{}, false, err
	}
	return rec, true, nil
}

func (s *SQLite) IsBanned(id deviceid.ID) (bool, error) {
	var banned int
	err := s.db.QueryRow(`SELECT banned FROM devices WHERE device_id = ?`, id.Simple()).Scan(&banned)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("registry: is banned %s: %w", id, err)
	}
	return banned != 0, nil
}

func (s *SQLite) Ban(id deviceid.ID) error {
	_, err := s.db.Exec(`
		INSERT INTO devices (device_id, banned) VALUES (?, 1)
		ON CONFLICT(device_id) DO UPDATE SET banned = 1
	`, id.Simple())
	if err != nil {
		return fmt.Errorf("registry: ban %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) Touch(id deviceid.ID, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE devices SET last_seen_at = ?, accepted_count = accepted_count + 1
		WHERE device_id = ?
	`, at, id.Simple())
	if err != nil {
		return fmt.Errorf("registry: touch %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("registry: touch %s: not enrolled", id)
	}
	return nil
}

func (s *SQLite) RecordDrop(id deviceid.ID, reason DropReason) error {
	key := unknownDeviceKey
	if !id.IsZero() {
		key = id.Simple()
	}
	_, err := s.db.Exec(`
		INSERT INTO drop_counters (device_id, reason, count) VALUES (?, ?, 1)
		ON CONFLICT(device_id, reason) DO UPDATE SET count = count + 1
	`, key, string(reason))
	if err != nil {
		return fmt.Errorf("registry: record drop: %w", err)
	}
	return nil
}

func (s *SQLite) List() ([]DeviceRecord, error) {
	rows, err := s.db.Query(`
		SELECT device_id, cap_humidity, cap_temp_c, cap_temp_f, cap_presence, cap_threshold,
		       banned, enrolled_at, last_seen_at, accepted_count
		FROM devices ORDER BY device_id
	`)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var out []DeviceRecord
	for rows.Next() {
		rec, err := scanDeviceRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: list scan: %w", err)
		}
		rec.Counters.Dropped, err = s.dropCounters(rec.ID.Simple())
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) dropCounters(deviceKey string) (map[DropReason]uint64, error) {
	rows, err := s.db.Query(`SELECT reason, count FROM drop_counters WHERE device_id = ?`, deviceKey)
	if err != nil {
		return nil, fmt.Errorf("registry: drop counters: %w", err)
	}
	defer rows.Close()

	counts := make(map[DropReason]uint64)
	for rows.Next() {
		var reason string
		var count uint64
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, fmt.Errorf("registry: drop counters scan: %w", err)
		}
		counts[DropReason(reason)] = count
	}
	return counts, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows so scanDeviceRecord serves
// both Get and List.
type scanner interface {
	Scan(dest ...any) error
}

func scanDeviceRecord(row scanner) (DeviceRecord, error) {
	var (
		idStr                                            string
		humid, tempC, tempF, presence, threshold, banned int
		enrolledAt, lastSeenAt                            sql.NullTime
		accepted                                          uint64
	)
	err := row.Scan(&idStr, &humid, &tempC, &tempF, &presence, &threshold,
		&banned, &enrolledAt, &lastSeenAt, &accepted)
	if err != nil {
		return DeviceRecord{}, err
	}

	id, err := deviceid.Parse(idStr)
	if err != nil {
		return DeviceRecord{}, fmt.Errorf("stored device id %q: %w", idStr, err)
	}

	return DeviceRecord{
		ID: id,
		Capabilities: reading.Capabilities{
			Humidity:  humid != 0,
			TempC:     tempC != 0,
			TempF:     tempF != 0,
			Presence:  presence != 0,
			Threshold: threshold != 0,
		},
		Banned:     banned != 0,
		EnrolledAt: enrolledAt.Time,
		LastSeenAt: lastSeenAt.Time,
		Counters:   Counters{Accepted: accepted},
	}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
