package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// GetFrameworkUsage retrieves the usage record for a user.
func (d *DB) GetFrameworkUsage(ctx context.Context, userID string) (*FrameworkUsage, error) {
	var (
		raw         string
		lastUpdated string
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT frameworks, last_updated FROM framework_usage WHERE user_id = ?`,
		userID,
	).Scan(&raw, &lastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("framework usage for %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting framework usage: %w", err)
	}

	usage := &FrameworkUsage{UserID: userID}
	if err := json.Unmarshal([]byte(raw), &usage.Frameworks); err != nil {
		return nil, fmt.Errorf("decoding frameworks: %w", err)
	}
	if usage.Frameworks == nil {
		usage.Frameworks = map[string]int{}
	}
	usage.LastUpdated, err = time.Parse(time.RFC3339Nano, lastUpdated)
	if err != nil {
		return nil, fmt.Errorf("parsing last_updated: %w", err)
	}
	return usage, nil
}

// UpsertFrameworkUsage inserts the record or updates it in place.
func (d *DB) UpsertFrameworkUsage(ctx context.Context, usage *FrameworkUsage) error {
	frameworks := usage.Frameworks
	if frameworks == nil {
		frameworks = map[string]int{}
	}
	raw, err := json.Marshal(frameworks)
	if err != nil {
		return fmt.Errorf("encoding frameworks: %w", err)
	}

	_, err = d.db.ExecContext(ctx,
		`INSERT INTO framework_usage (user_id, frameworks, last_updated) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			frameworks = excluded.frameworks,
			last_updated = excluded.last_updated`,
		usage.UserID, string(raw), usage.LastUpdated.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("upserting framework usage: %w", err)
	}
	return nil
}
