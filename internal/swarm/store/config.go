package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/basket/swarmd/internal/swarm/types"
)

const configCols = `id, provider_url, provider_api_key, anthropic_api_key, git_token,
	pool_max, pool_idle_timeout_minutes, pool_default_snapshot, skills_path,
	trigger_enabled, poll_interval_seconds, execution_timeout_minutes,
	max_retries, base_delay_ms, backoff_multiplier, updated_at`

func scanConfig(scan func(dest ...any) error) (types.Config, error) {
	var c types.Config
	var triggerEnabled int
	if err := scan(&c.ID, &c.ProviderURL, &c.ProviderAPIKey, &c.AnthropicAPIKey, &c.GitToken,
		&c.PoolMax, &c.PoolIdleTimeoutMinutes, &c.PoolDefaultSnapshot, &c.SkillsPath,
		&triggerEnabled, &c.PollIntervalSeconds, &c.ExecutionTimeoutMin,
		&c.MaxRetries, &c.BaseDelayMS, &c.BackoffMultiplier, &c.UpdatedAt); err != nil {
		return types.Config{}, err
	}
	c.TriggerEnabled = triggerEnabled != 0
	return c, nil
}

// GetConfig returns the singleton config row, seeding it with Defaults() on
// first access.
func (s *Store) GetConfig(ctx context.Context) (types.Config, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+configCols+` FROM config WHERE id = ?;`, types.DefaultConfigID)
	c, err := scanConfig(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return s.seedDefaultConfig(ctx)
	}
	if err != nil {
		return types.Config{}, fmt.Errorf("get config: %w", err)
	}
	return c, nil
}

func (s *Store) seedDefaultConfig(ctx context.Context) (types.Config, error) {
	d := types.Defaults()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO config (
				id, provider_url, provider_api_key, anthropic_api_key, git_token,
				pool_max, pool_idle_timeout_minutes, pool_default_snapshot, skills_path,
				trigger_enabled, poll_interval_seconds, execution_timeout_minutes,
				max_retries, base_delay_ms, backoff_multiplier
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, d.ID, d.ProviderURL, d.ProviderAPIKey, d.AnthropicAPIKey, d.GitToken,
			d.PoolMax, d.PoolIdleTimeoutMinutes, d.PoolDefaultSnapshot, d.SkillsPath,
			boolToInt(d.TriggerEnabled), d.PollIntervalSeconds, d.ExecutionTimeoutMin,
			d.MaxRetries, d.BaseDelayMS, d.BackoffMultiplier)
		return err
	})
	if err != nil {
		return types.Config{}, fmt.Errorf("seed default config: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+configCols+` FROM config WHERE id = ?;`, types.DefaultConfigID)
	return scanConfig(row.Scan)
}

// UpdateConfigInput is a partial merge over the singleton Config row; nil
// fields retain their prior value.
type UpdateConfigInput struct {
	ProviderURL            *string
	ProviderAPIKey         *string
	AnthropicAPIKey        *string
	GitToken               *string
	PoolMax                *int
	PoolIdleTimeoutMinutes *int
	PoolDefaultSnapshot    *string
	SkillsPath             *string
	TriggerEnabled         *bool
	PollIntervalSeconds    *int
	ExecutionTimeoutMin    *int
	MaxRetries             *int
	BaseDelayMS            *int64
	BackoffMultiplier      *float64
}

// UpdateConfig applies a partial merge over the singleton config row.
func (s *Store) UpdateConfig(ctx context.Context, in UpdateConfigInput) (types.Config, error) {
	existing, err := s.GetConfig(ctx)
	if err != nil {
		return types.Config{}, err
	}
	if in.ProviderURL != nil {
		existing.ProviderURL = *in.ProviderURL
	}
	if in.ProviderAPIKey != nil {
		existing.ProviderAPIKey = *in.ProviderAPIKey
	}
	if in.AnthropicAPIKey != nil {
		existing.AnthropicAPIKey = *in.AnthropicAPIKey
	}
	if in.GitToken != nil {
		existing.GitToken = *in.GitToken
	}
	if in.PoolMax != nil {
		existing.PoolMax = *in.PoolMax
	}
	if in.PoolIdleTimeoutMinutes != nil {
		existing.PoolIdleTimeoutMinutes = *in.PoolIdleTimeoutMinutes
	}
	if in.PoolDefaultSnapshot != nil {
		existing.PoolDefaultSnapshot = *in.PoolDefaultSnapshot
	}
	if in.SkillsPath != nil {
		existing.SkillsPath = *in.SkillsPath
	}
	if in.TriggerEnabled != nil {
		existing.TriggerEnabled = *in.TriggerEnabled
	}
	if in.PollIntervalSeconds != nil {
		existing.PollIntervalSeconds = *in.PollIntervalSeconds
	}
	if in.ExecutionTimeoutMin != nil {
		existing.ExecutionTimeoutMin = *in.ExecutionTimeoutMin
	}
	if in.MaxRetries != nil {
		existing.MaxRetries = *in.MaxRetries
	}
	if in.BaseDelayMS != nil {
		existing.BaseDelayMS = *in.BaseDelayMS
	}
	if in.BackoffMultiplier != nil {
		existing.BackoffMultiplier = *in.BackoffMultiplier
	}

	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE config SET
				provider_url=?, provider_api_key=?, anthropic_api_key=?, git_token=?,
				pool_max=?, pool_idle_timeout_minutes=?, pool_default_snapshot=?, skills_path=?,
				trigger_enabled=?, poll_interval_seconds=?, execution_timeout_minutes=?,
				max_retries=?, base_delay_ms=?, backoff_multiplier=?, updated_at=CURRENT_TIMESTAMP
			WHERE id=?;
		`, existing.ProviderURL, existing.ProviderAPIKey, existing.AnthropicAPIKey, existing.GitToken,
			existing.PoolMax, existing.PoolIdleTimeoutMinutes, existing.PoolDefaultSnapshot, existing.SkillsPath,
			boolToInt(existing.TriggerEnabled), existing.PollIntervalSeconds, existing.ExecutionTimeoutMin,
			existing.MaxRetries, existing.BaseDelayMS, existing.BackoffMultiplier, existing.ID)
		return err
	})
	if err != nil {
		return types.Config{}, fmt.Errorf("update config: %w", err)
	}
	return s.GetConfig(ctx)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
