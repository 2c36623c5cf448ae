package persistence

import (
	"OptionLedger/internal/trade"
	"context"
	"database/sql"
	"fmt"
)

// LoadTierOverrides reads admin overrides of the duration table. Rows are
// merged over the defaults by trade.Schedule.Merge.
func LoadTierOverrides(ctx context.Context, db *sql.DB) ([]trade.Tier, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT duration_seconds, min_amount, profit_rate
		FROM optl.options_settings ORDER BY duration_seconds`)
	if err != nil {
		return nil, fmt.Errorf("load options settings: %w", err)
	}
	defer rows.Close()

	var tiers []trade.Tier
	for rows.Next() {
		var t trade.Tier
		if err := rows.Scan(&t.DurationSeconds, &t.MinAmount, &t.ProfitRate); err != nil {
			return nil, fmt.Errorf("scan options setting: %w", err)
		}
		tiers = append(tiers, t)
	}
	return tiers, rows.Err()
}

// SaveTierOverride upserts one row of the duration table.
func SaveTierOverride(ctx context.Context, db *sql.DB, t trade.Tier) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO optl.options_settings (duration_seconds, min_amount, profit_rate, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (duration_seconds) DO UPDATE
		SET min_amount = EXCLUDED.min_amount, profit_rate = EXCLUDED.profit_rate, updated_at = NOW()`,
		t.DurationSeconds, t.MinAmount, t.ProfitRate,
	)
	if err != nil {
		return fmt.Errorf("save options setting %ds: %w", t.DurationSeconds, err)
	}
	return nil
}
