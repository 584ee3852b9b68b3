package infra

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sentinelkids/agent/internal/domain"
)

const usageDBName = "usage.db"

// SQLiteUsageStore implements domain.UsageStore on a plain SQLite
// database. It is the dashboard's local source of truth; unlike the
// state store it holds no secrets, so it stays unencrypted and uses
// the pure-Go driver.
type SQLiteUsageStore struct {
	db *sql.DB
}

// OpenUsageStore opens or creates the usage database under dataDir.
func OpenUsageStore(dataDir string) (*SQLiteUsageStore, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, usageDBName))
	if err != nil {
		return nil, err
	}

	// WAL keeps decision-path reads from blocking on sync-cycle writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteUsageStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenUsageStoreInMemory opens an in-memory usage store, useful for testing.
func OpenUsageStoreInMemory() (*SQLiteUsageStore, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	s := &SQLiteUsageStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteUsageStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS daily_usage (
			date          TEXT NOT NULL,
			package       TEXT NOT NULL,
			app_name      TEXT NOT NULL,
			total_seconds INTEGER NOT NULL,
			first_seen    INTEGER NOT NULL,
			last_seen     INTEGER NOT NULL,
			PRIMARY KEY (date, package)
		);
		CREATE INDEX IF NOT EXISTS idx_daily_usage_date ON daily_usage(date);
	`)
	if err != nil {
		return fmt.Errorf("migrate usage store: %w", err)
	}
	return nil
}

// ReplaceDays atomically replaces all rows for the given dates. A date
// with no records is emptied, which keeps re-aggregation over a
// superset window idempotent.
func (s *SQLiteUsageStore) ReplaceDays(dates []string, rows []domain.DailyUsage) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, date := range dates {
		if _, err := tx.Exec(`DELETE FROM daily_usage WHERE date = ?`, date); err != nil {
			tx.Rollback()
			return err
		}
	}
	for _, row := range rows {
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO daily_usage
				(date, package, app_name, total_seconds, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?, ?)`,
			row.Date, row.Package, row.AppName, row.TotalSeconds,
			row.FirstSeen.UnixMilli(), row.LastSeen.UnixMilli()); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// PopulatedDays returns the number of distinct dates with rows.
func (s *SQLiteUsageStore) PopulatedDays() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(DISTINCT date) FROM daily_usage`).Scan(&count)
	return count, err
}

// DayTotals returns package -> total seconds for one date.
func (s *SQLiteUsageStore) DayTotals(date string) (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT package, total_seconds FROM daily_usage WHERE date = ?`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var pkg string
		var secs int64
		if err := rows.Scan(&pkg, &secs); err != nil {
			return nil, err
		}
		totals[pkg] = secs
	}
	return totals, rows.Err()
}

// DayRows returns the full records for one date, largest first.
func (s *SQLiteUsageStore) DayRows(date string) ([]domain.DailyUsage, error) {
	rows, err := s.db.Query(`
		SELECT date, package, app_name, total_seconds, first_seen, last_seen
		FROM daily_usage WHERE date = ?
		ORDER BY total_seconds DESC`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DailyUsage
	for rows.Next() {
		var row domain.DailyUsage
		var first, last int64
		if err := rows.Scan(&row.Date, &row.Package, &row.AppName, &row.TotalSeconds, &first, &last); err != nil {
			return nil, err
		}
		row.FirstSeen = time.UnixMilli(first)
		row.LastSeen = time.UnixMilli(last)
		out = append(out, row)
	}
	return out, rows.Err()
}

// Close releases the database connection.
func (s *SQLiteUsageStore) Close() error {
	return s.db.Close()
}

var _ domain.UsageStore = (*SQLiteUsageStore)(nil)
