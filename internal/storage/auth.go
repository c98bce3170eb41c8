package storage

import (
	"context"
	"fmt"
)

// LogAuthEvent appends a login attempt to the audit table.
func (p *PostgresClient) LogAuthEvent(ctx context.Context, eventType, role, ipAddress string, success bool, reason string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO auth_events (event_type, role, ip_address, success, reason)
		VALUES ($1, $2, $3, $4, $5)
	`, eventType, role, ipAddress, success, reason)
	if err != nil {
		return fmt.Errorf("failed to log auth event: %w", err)
	}
	return nil
}
