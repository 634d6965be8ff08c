// Meshtrack - Field Telemetry Relay and Live Tracking
// Copyright 2026 Meshtrack Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/meshtrack/meshtrack

package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/meshtrack/meshtrack/internal/models"
)

// SortOrder selects the timestamp ordering of message queries.
type SortOrder string

const (
	// SortAsc orders oldest first.
	SortAsc SortOrder = "asc"
	// SortDesc orders newest first.
	SortDesc SortOrder = "desc"
)

func (o SortOrder) sql() string {
	if o == SortDesc {
		return "DESC"
	}
	return "ASC"
}

// MessageFilter narrows a message query.
type MessageFilter struct {
	// SenderIDs restricts results to the given senders. Empty means all.
	SenderIDs []string

	// Order is the timestamp sort order. Defaults to ascending.
	Order SortOrder
}

// UpsertText inserts or replaces a text record keyed by (sender, ts).
// Replaying the same key leaves exactly one row carrying the new fields.
func (db *DB) UpsertText(ctx context.Context, rec *models.TextRecord) error {
	start := time.Now()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO messages (sender, ts, text, user_name)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (sender, ts) DO UPDATE SET
			text = excluded.text,
			user_name = excluded.user_name`,
		rec.Sender, rec.Timestamp, rec.Text, rec.UserName)
	observe("upsert", "messages", start, err)
	if err != nil {
		return fmt.Errorf("upsert text record: %w", err)
	}
	return nil
}

// UpsertPosition inserts or replaces a position record keyed by (sender, ts).
func (db *DB) UpsertPosition(ctx context.Context, rec *models.PositionRecord) error {
	start := time.Now()
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO positions (sender, ts, latitude_i, longitude_i, altitude, user_name)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (sender, ts) DO UPDATE SET
			latitude_i = excluded.latitude_i,
			longitude_i = excluded.longitude_i,
			altitude = excluded.altitude,
			user_name = excluded.user_name`,
		rec.Sender, rec.Timestamp, rec.LatitudeI, rec.LongitudeI, rec.Altitude, rec.UserName)
	observe("upsert", "positions", start, err)
	if err != nil {
		return fmt.Errorf("upsert position record: %w", err)
	}
	return nil
}

// Messages returns text records matching the filter, ordered by timestamp.
func (db *DB) Messages(ctx context.Context, filter MessageFilter) ([]*models.TextRecord, error) {
	start := time.Now()

	query := "SELECT sender, ts, text, user_name FROM messages"
	args := make([]any, 0, len(filter.SenderIDs))
	if len(filter.SenderIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.SenderIDs)), ",")
		query += " WHERE sender IN (" + placeholders + ")"
		for _, id := range filter.SenderIDs {
			args = append(args, id)
		}
	}
	query += " ORDER BY ts " + filter.Order.sql()

	rows, err := db.conn.QueryContext(ctx, query, args...)
	observe("select", "messages", start, err)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var records []*models.TextRecord
	for rows.Next() {
		rec := &models.TextRecord{Type: models.RecordTypeText}
		if err := rows.Scan(&rec.Sender, &rec.Timestamp, &rec.Text, &rec.UserName); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}

// Positions returns all stored position records ordered by timestamp.
func (db *DB) Positions(ctx context.Context) ([]*models.PositionRecord, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, `
		SELECT sender, ts, latitude_i, longitude_i, altitude, user_name
		FROM positions ORDER BY ts ASC`)
	observe("select", "positions", start, err)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// PositionRange returns one sender's positions with start <= ts < end,
// ordered by timestamp. Zero matches yields ErrNotFound so callers can
// present "no data in window" differently from a query failure.
func (db *DB) PositionRange(ctx context.Context, sender string, startTS, endTS int64) ([]*models.PositionRecord, error) {
	start := time.Now()
	rows, err := db.conn.QueryContext(ctx, `
		SELECT sender, ts, latitude_i, longitude_i, altitude, user_name
		FROM positions
		WHERE sender = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC`,
		sender, startTS, endTS)
	observe("select_range", "positions", start, err)
	if err != nil {
		return nil, fmt.Errorf("query position range: %w", err)
	}
	defer rows.Close()

	records, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records, nil
}

// UpdateUserName rewrites the denormalized user_name on all stored
// records of one sender. Used by rename to repair history; the directory
// update and this rewrite are not atomic with each other.
func (db *DB) UpdateUserName(ctx context.Context, sender, newName string) error {
	start := time.Now()
	_, err := db.conn.ExecContext(ctx,
		`UPDATE messages SET user_name = ? WHERE sender = ?`, newName, sender)
	observe("update", "messages", start, err)
	if err != nil {
		return fmt.Errorf("update message user names: %w", err)
	}

	start = time.Now()
	_, err = db.conn.ExecContext(ctx,
		`UPDATE positions SET user_name = ? WHERE sender = ?`, newName, sender)
	observe("update", "positions", start, err)
	if err != nil {
		return fmt.Errorf("update position user names: %w", err)
	}
	return nil
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanPositions(rows rowScanner) ([]*models.PositionRecord, error) {
	var records []*models.PositionRecord
	for rows.Next() {
		rec := &models.PositionRecord{Type: models.RecordTypePosition}
		if err := rows.Scan(&rec.Sender, &rec.Timestamp, &rec.LatitudeI, &rec.LongitudeI, &rec.Altitude, &rec.UserName); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	return records, nil
}
