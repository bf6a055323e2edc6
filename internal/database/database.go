package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"catwatch/internal/notify"
	"catwatch/internal/pipeline"
)

// Database handles SQLite database operations
type Database struct {
	db     *sql.DB
	logger *slog.Logger
}

// DetectionRecord represents a detection stored in the database
type DetectionRecord struct {
	ID            string                `json:"id"`
	Label         string                `json:"label"`
	Score         float64               `json:"score"`
	Timestamp     time.Time             `json:"timestamp"`
	HasImage      bool                  `json:"has_image"`
	Notifications []*NotificationRecord `json:"notifications"`
}

// NotificationRecord represents one notification attempt
type NotificationRecord struct {
	ID          string    `json:"id"`
	DetectionID string    `json:"detection_id"`
	Channel     string    `json:"channel"`
	Label       string    `json:"label"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventFilter narrows ListEvents
type EventFilter struct {
	Label string
	Since *time.Time
	Limit int
}

// New opens (or creates) the database at dbPath. A nil logger means
// slog.Default().
func New(dbPath string, logger *slog.Logger) (*Database, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// both pipeline stages write; one connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Database{db: db, logger: logger.With("component", "database")}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS detections (
			id TEXT PRIMARY KEY,
			label TEXT NOT NULL,
			score REAL NOT NULL,
			timestamp DATETIME NOT NULL,
			has_image INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			detection_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			label TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_time ON detections(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_detections_label_time ON detections(label, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_detection ON notifications(detection_id)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	d.logger.Info("Database migrations completed successfully")
	return nil
}

// RecordDetection saves an emitted detection
func (d *Database) RecordDetection(ctx context.Context, det *pipeline.Detection) error {
	hasImage := 0
	if det.Image != nil {
		hasImage = 1
	}

	query := `INSERT INTO detections (id, label, score, timestamp, has_image)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`

	_, err := d.db.ExecContext(ctx, query, det.ID, det.Label, det.Score, det.Timestamp.UTC(), hasImage)
	if err != nil {
		return fmt.Errorf("failed to save detection: %w", err)
	}
	return nil
}

// RecordNotification saves a notification attempt
func (d *Database) RecordNotification(ctx context.Context, a *notify.Attempt) error {
	query := `INSERT INTO notifications (id, detection_id, channel, label, outcome, error, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := d.db.ExecContext(ctx, query, a.ID, a.DetectionID, a.Channel, a.Label, a.Outcome, a.Error, a.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}
	return nil
}

// GetDetection retrieves a detection and its notification attempts
func (d *Database) GetDetection(ctx context.Context, id string) (*DetectionRecord, error) {
	query := `SELECT id, label, score, timestamp, has_image FROM detections WHERE id = ?`

	var rec DetectionRecord
	var hasImage int
	err := d.db.QueryRowContext(ctx, query, id).Scan(&rec.ID, &rec.Label, &rec.Score, &rec.Timestamp, &hasImage)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get detection: %w", err)
	}
	rec.HasImage = hasImage == 1

	if err := d.attachNotifications(ctx, []*DetectionRecord{&rec}); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListEvents returns detections, newest first, with their notification
// attempts
func (d *Database) ListEvents(ctx context.Context, f EventFilter) ([]*DetectionRecord, error) {
	query := `SELECT id, label, score, timestamp, has_image FROM detections WHERE 1=1`
	args := []interface{}{}

	if f.Label != "" {
		query += " AND label = ?"
		args = append(args, f.Label)
	}

	if f.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, f.Since.UTC())
	}

	query += " ORDER BY timestamp DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}

	var events []*DetectionRecord
	for rows.Next() {
		var rec DetectionRecord
		var hasImage int
		if err := rows.Scan(&rec.ID, &rec.Label, &rec.Score, &rec.Timestamp, &hasImage); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan detection: %w", err)
		}
		rec.HasImage = hasImage == 1
		events = append(events, &rec)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to list detections: %w", err)
	}

	if err := d.attachNotifications(ctx, events); err != nil {
		return nil, err
	}
	return events, nil
}

func (d *Database) attachNotifications(ctx context.Context, events []*DetectionRecord) error {
	if len(events) == 0 {
		return nil
	}

	byID := make(map[string]*DetectionRecord, len(events))
	placeholders := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events))
	for _, e := range events {
		e.Notifications = []*NotificationRecord{}
		byID[e.ID] = e
		placeholders = append(placeholders, "?")
		args = append(args, e.ID)
	}

	query := `SELECT id, detection_id, channel, label, outcome, COALESCE(error, ''), timestamp
		FROM notifications WHERE detection_id IN (` + strings.Join(placeholders, ",") + `)
		ORDER BY timestamp ASC`

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var n NotificationRecord
		if err := rows.Scan(&n.ID, &n.DetectionID, &n.Channel, &n.Label, &n.Outcome, &n.Error, &n.Timestamp); err != nil {
			return fmt.Errorf("failed to scan notification: %w", err)
		}
		if e, ok := byID[n.DetectionID]; ok {
			e.Notifications = append(e.Notifications, &n)
		}
	}
	return rows.Err()
}

// DeleteOldEvents deletes detections and notification attempts older than
// before
func (d *Database) DeleteOldEvents(ctx context.Context, before time.Time) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM notifications WHERE timestamp < ?", before.UTC()); err != nil {
		return 0, fmt.Errorf("failed to delete old notifications: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM detections WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old detections: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return result.RowsAffected()
}
