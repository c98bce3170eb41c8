package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/KevinKickass/OpenFillCore/internal/machine"
)

// SavePourRecord stores one completed fill cycle. Saving the same record
// twice is a no-op.
func (p *PostgresClient) SavePourRecord(ctx context.Context, rec machine.PourRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO pour_records (
			id, completed_at, batch, flavour, desired_volume, mould_tare,
			left_pour, left_fill_ms, right_pour, right_fill_ms, fast_speed, slow_speed
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.CompletedAt, rec.Batch, rec.Flavour, rec.DesiredVolume, rec.MouldTare,
		rec.LeftPour, rec.LeftFillTime.Milliseconds(), rec.RightPour, rec.RightFillTime.Milliseconds(),
		rec.FastSpeed, rec.SlowSpeed)
	if err != nil {
		return fmt.Errorf("failed to insert pour record %s: %w", rec.ID, err)
	}
	return nil
}

// RecentPourRecords returns the newest records first.
func (p *PostgresClient) RecentPourRecords(ctx context.Context, limit int) ([]machine.PourRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, completed_at, batch, flavour, desired_volume, mould_tare,
		       left_pour, left_fill_ms, right_pour, right_fill_ms, fast_speed, slow_speed
		FROM pour_records
		ORDER BY completed_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pour records: %w", err)
	}

	records, err := pgx.CollectRows(rows, scanPourRecord)
	if err != nil {
		return nil, fmt.Errorf("failed to scan pour records: %w", err)
	}
	return records, nil
}

func scanPourRecord(row pgx.CollectableRow) (machine.PourRecord, error) {
	var (
		rec             machine.PourRecord
		leftMs, rightMs int64
	)
	err := row.Scan(
		&rec.ID, &rec.CompletedAt, &rec.Batch, &rec.Flavour, &rec.DesiredVolume, &rec.MouldTare,
		&rec.LeftPour, &leftMs, &rec.RightPour, &rightMs, &rec.FastSpeed, &rec.SlowSpeed,
	)
	rec.LeftFillTime = time.Duration(leftMs) * time.Millisecond
	rec.RightFillTime = time.Duration(rightMs) * time.Millisecond
	return rec, err
}
