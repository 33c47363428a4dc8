package campaign

import (
	"context"
	"strconv"
	"time"
)

// Default queue limits, used when a key is absent from queue_settings
const (
	DefaultRateLimitPerMinute = 600
	DefaultBatchSize          = 50
	DefaultBatchDelay         = 5 * time.Second
	DefaultMaxRetryAttempts   = 3
)

// Queue settings keys
const (
	SettingRateLimitPerMinute = "rate_limit_per_minute"
	SettingBatchSize          = "batch_size"
	SettingBatchDelayMs       = "batch_delay_ms"
	SettingMaxRetryAttempts   = "max_retry_attempts"
	SettingIsPaused           = "is_paused"
)

// SettingsProvider returns the current queue limits. The dispatch loop
// re-reads it before every batch so a pause becomes visible at the next
// batch boundary, not only at cycle start.
type SettingsProvider interface {
	QueueSettings(ctx context.Context) (QueueSettings, error)
}

// QueueSettings reads the queue_settings key/value table, filling
// defaults for missing keys.
func (s *Store) QueueSettings(ctx context.Context) (QueueSettings, error) {
	settings := QueueSettings{
		RateLimitPerMinute: DefaultRateLimitPerMinute,
		BatchSize:          DefaultBatchSize,
		BatchDelay:         DefaultBatchDelay,
		MaxRetryAttempts:   DefaultMaxRetryAttempts,
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM queue_settings`)
	if err != nil {
		return settings, err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return settings, err
		}
		switch key {
		case SettingRateLimitPerMinute:
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				settings.RateLimitPerMinute = n
			}
		case SettingBatchSize:
			if n, err := strconv.Atoi(value); err == nil && n > 0 {
				settings.BatchSize = n
			}
		case SettingBatchDelayMs:
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				settings.BatchDelay = time.Duration(n) * time.Millisecond
			}
		case SettingMaxRetryAttempts:
			if n, err := strconv.Atoi(value); err == nil && n >= 0 {
				settings.MaxRetryAttempts = n
			}
		case SettingIsPaused:
			settings.IsPaused = value == "true"
		}
	}
	return settings, rows.Err()
}

// SetQueueSetting upserts one queue_settings key
func (s *Store) SetQueueSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_settings (key, value, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		key, value)
	return err
}

// SetQueuePaused flips the global pause flag. In-flight batches finish;
// no new batch starts while paused.
func (s *Store) SetQueuePaused(ctx context.Context, paused bool) error {
	return s.SetQueueSetting(ctx, SettingIsPaused, strconv.FormatBool(paused))
}
