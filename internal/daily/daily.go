// Package daily accumulates engaged work time per local calendar day,
// persisted to SQLite so totals survive restarts. The counter rolls over
// at local midnight
package daily

import (
	"database/sql"
	"sync"
	"time"

	perr "flowsync/internal/platform/errors"
	"flowsync/internal/platform/logger"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS daily_active_time (
	date TEXT PRIMARY KEY,
	active_seconds REAL NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);
`

// Tracker is the per-day active-time counter. Safe for concurrent use
type Tracker struct {
	mu           sync.Mutex
	db           *sql.DB
	today        string // local date, YYYY-MM-DD
	todaySeconds float64

	log logger.Logger
	now func() time.Time
}

// Open creates or opens the tracker database and loads today's total
func Open(path string) (*Tracker, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, perr.Wrap(err, perr.ErrorCodeStore, "open daily time db")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, perr.Wrap(err, perr.ErrorCodeStore, "init daily time schema")
	}

	t := &Tracker{
		db:  db,
		log: *logger.Named("daily"),
		now: time.Now,
	}
	t.today = t.localDate()
	t.todaySeconds = t.loadDate(t.today)
	return t, nil
}

// Close releases the database handle
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return nil
	}
	err := t.db.Close()
	t.db = nil
	return err
}

func (t *Tracker) localDate() string {
	return t.now().Local().Format("2006-01-02")
}

func (t *Tracker) loadDate(date string) float64 {
	var seconds float64
	err := t.db.QueryRow(
		`SELECT active_seconds FROM daily_active_time WHERE date = ?`, date,
	).Scan(&seconds)
	if err != nil {
		if err != sql.ErrNoRows {
			t.log.Warn().Err(err).Str("date", date).Msg("load daily total failed")
		}
		return 0
	}
	return seconds
}

// AddActiveTime adds engaged seconds to the given local date, rolling
// the in-memory counter to that day if it changed
func (t *Tracker) AddActiveTime(seconds float64, date string) error {
	if seconds <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return perr.Storef("daily tracker closed")
	}

	if t.today != date {
		t.rolloverLocked(date)
	}
	t.todaySeconds += seconds
	return t.persistLocked()
}

// TodayActiveTime returns today's cumulative engaged time, handling a
// midnight rollover since the last call
func (t *Tracker) TodayActiveTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return 0
	}
	if cur := t.localDate(); cur != t.today {
		t.rolloverLocked(cur)
	}
	return time.Duration(t.todaySeconds * float64(time.Second))
}

// ActiveTimeForDate returns the stored total for a specific local date
func (t *Tracker) ActiveTimeForDate(date string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return 0
	}
	if date == t.today {
		return time.Duration(t.todaySeconds * float64(time.Second))
	}
	return time.Duration(t.loadDate(date) * float64(time.Second))
}

func (t *Tracker) rolloverLocked(date string) {
	t.log.Info().
		Str("from", t.today).
		Float64("seconds", t.todaySeconds).
		Str("to", date).
		Msg("day rollover")
	t.today = date
	t.todaySeconds = t.loadDate(date)
}

func (t *Tracker) persistLocked() error {
	_, err := t.db.Exec(`
		INSERT INTO daily_active_time (date, active_seconds, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			active_seconds = excluded.active_seconds,
			updated_at = excluded.updated_at`,
		t.today, t.todaySeconds, t.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return perr.Wrap(err, perr.ErrorCodeStore, "persist daily total")
	}
	return nil
}
