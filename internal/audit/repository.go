// Package audit keeps the vendor_frames history of Manufacturer Proprietary
// frames the relay sent or intercepted.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Page bounds for List.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// timeLayout is fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Frame is one row of vendor_frames.
type Frame struct {
	ID             string    `json:"id"`
	NodeID         int       `json:"nodeId"`
	Endpoint       int       `json:"endpoint"`
	ManufacturerID int       `json:"manufacturerId"`
	Direction      string    `json:"direction"`
	PayloadHex     string    `json:"payloadHex"`
	Index          int       `json:"index"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	DurationMs     float64   `json:"durationMs"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Filter controls which frames List returns.
type Filter struct {
	NodeID    *int   // optional
	Direction string // optional: outbound, inbound
	Limit     int    // default 50, max 200
}

// ListResult is one page of history, newest first.
type ListResult struct {
	Frames []Frame `json:"frames"`
	Total  int     `json:"total"`
	Limit  int     `json:"limit"`
}

// Repository defines the frame history operations.
type Repository interface {
	Create(ctx context.Context, f *Frame) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores frames in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a frame history repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a frame. ID and CreatedAt are generated when empty.
func (r *SQLiteRepository) Create(ctx context.Context, f *Frame) error {
	if f.ID == "" {
		f.ID = "frm-" + uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	var errText any
	if f.Error != "" {
		errText = f.Error
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO vendor_frames
		   (id, node_id, endpoint, manufacturer_id, direction, payload_hex, frame_index, success, error, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.NodeID, f.Endpoint, f.ManufacturerID, f.Direction, f.PayloadHex,
		f.Index, f.Success, errText, f.DurationMs,
		f.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting vendor frame: %w", err)
	}
	return nil
}

// List returns frames matching the filter, most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultLimit
	}
	if filter.Limit > MaxLimit {
		filter.Limit = MaxLimit
	}

	var conditions []string
	var args []any
	if filter.NodeID != nil {
		conditions = append(conditions, "node_id = ?")
		args = append(args, *filter.NodeID)
	}
	if filter.Direction != "" {
		conditions = append(conditions, "direction = ?")
		args = append(args, filter.Direction)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM vendor_frames " + where //nolint:gosec // WHERE built from parameterised conditions
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting vendor frames: %w", err)
	}

	query := `SELECT id, node_id, endpoint, manufacturer_id, direction, payload_hex,
	                 frame_index, success, error, duration_ms, created_at
	          FROM vendor_frames ` + where + ` ORDER BY created_at DESC, frame_index DESC LIMIT ?` //nolint:gosec // WHERE built from parameterised conditions
	rows, err := r.db.QueryContext(ctx, query, append(args, filter.Limit)...)
	if err != nil {
		return nil, fmt.Errorf("querying vendor frames: %w", err)
	}
	defer rows.Close()

	frames := []Frame{}
	for rows.Next() {
		var f Frame
		var errText sql.NullString
		var createdAt string
		if err := rows.Scan(&f.ID, &f.NodeID, &f.Endpoint, &f.ManufacturerID, &f.Direction,
			&f.PayloadHex, &f.Index, &f.Success, &errText, &f.DurationMs, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning vendor frame: %w", err)
		}
		f.Error = errText.String
		t, err := time.Parse(timeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing vendor frame timestamp %q: %w", createdAt, err)
		}
		f.CreatedAt = t
		frames = append(frames, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating vendor frames: %w", err)
	}

	return &ListResult{Frames: frames, Total: total, Limit: filter.Limit}, nil
}
