package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dmserver/internal/migrations"
	"dmserver/internal/models"
	"dmserver/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by deletes that matched no row.
var ErrNotFound = errors.New("record not found")

const dueReminderBatchSize = 500

// Database is the SQLite message store. It keeps one row per replica plus the
// tombstones, reminder audit log and per-user settings the engine reads.
type Database struct {
	db        *sql.DB
	encryptor *encryptor
	now       func() time.Time
}

func New(dbPath string) (*Database, error) {
	if len(dbPath) == 0 || dbPath[0] == '\x00' {
		return nil, fmt.Errorf("invalid database path")
	}

	if err := security.ValidateFilePath(dbPath); err != nil {
		return nil, fmt.Errorf("invalid database path: %w", err)
	}

	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close database file: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection turns lock errors into queueing.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to ping database: %w", err))
	}

	if _, err := migrations.Apply(db); err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to initialize schema: %w", err))
	}

	enc, err := NewEncryptor()
	if err != nil {
		return nil, closeWith(db, fmt.Errorf("failed to initialize encryptor: %w", err))
	}

	return &Database{db: db, encryptor: enc, now: time.Now}, nil
}

func closeWith(db *sql.DB, err error) error {
	if closeErr := db.Close(); closeErr != nil {
		return fmt.Errorf("%w (close error: %v)", err, closeErr)
	}
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping reports whether the database is reachable; used by the health endpoint.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeDays(days []int) string {
	parts := make([]string, len(days))
	for i, d := range days {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func decodeDays(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	days := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid day of week %q: %w", p, err)
		}
		days = append(days, d)
	}
	return days, nil
}

// reminderColumns flattens a reminder into its nullable columns.
type reminderColumns struct {
	at      sql.NullInt64
	scope   sql.NullString
	content sql.NullString
	repeat  sql.NullString
	days    sql.NullString
	tz      sql.NullString
}

func flattenReminder(r *models.Reminder) reminderColumns {
	if r == nil {
		return reminderColumns{}
	}
	cols := reminderColumns{
		at:      sql.NullInt64{Int64: toMillis(r.At), Valid: true},
		scope:   sql.NullString{String: string(r.Scope), Valid: true},
		content: sql.NullString{String: r.Content, Valid: true},
		repeat:  sql.NullString{String: string(r.Repeat), Valid: true},
	}
	if len(r.DaysOfWeek) > 0 {
		cols.days = sql.NullString{String: encodeDays(r.DaysOfWeek), Valid: true}
	}
	if r.TimeZone != "" {
		cols.tz = sql.NullString{String: r.TimeZone, Valid: true}
	}
	return cols
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (d *Database) scanMessage(row rowScanner) (*models.Message, error) {
	var (
		m                  models.Message
		msgType, status    string
		content, mediaRef  sql.NullString
		pinnedBy           sql.NullString
		metadata           string
		isRecalled, pinned int
		timestamp          int64
		expiresAt          sql.NullInt64
		rem                reminderColumns
	)

	if err := row.Scan(
		&m.MessageID, &m.OwnerID, &msgType, &content, &mediaRef, &metadata,
		&m.SenderID, &m.ReceiverID, &status, &isRecalled, &pinned, &pinnedBy,
		&timestamp, &expiresAt, &rem.at, &rem.scope, &rem.content,
		&rem.repeat, &rem.days, &rem.tz,
	); err != nil {
		return nil, err
	}

	m.Type = models.MessageType(msgType)
	m.Status = models.MessageStatus(status)
	m.IsRecalled = isRecalled == 1
	m.IsPinned = pinned == 1
	m.Timestamp = fromMillis(timestamp)

	if content.Valid {
		plain, err := d.encryptor.DecryptIfEnabled(content.String)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt content: %w", err)
		}
		m.Content = &plain
	}
	if mediaRef.Valid {
		ref := mediaRef.String
		m.MediaRef = &ref
	}
	if pinnedBy.Valid {
		by := pinnedBy.String
		m.PinnedBy = &by
	}
	if expiresAt.Valid {
		t := fromMillis(expiresAt.Int64)
		m.ExpiresAt = &t
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}
	if rem.at.Valid {
		days, err := decodeDays(rem.days.String)
		if err != nil {
			return nil, err
		}
		m.Reminder = &models.Reminder{
			At:         fromMillis(rem.at.Int64),
			Scope:      models.ReminderScope(rem.scope.String),
			Content:    rem.content.String,
			Repeat:     models.RepeatType(rem.repeat.String),
			DaysOfWeek: days,
			TimeZone:   rem.tz.String,
		}
	}

	return &m, nil
}

func (d *Database) queryMessages(ctx context.Context, query string, args ...interface{}) ([]*models.Message, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		m, err := d.scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
