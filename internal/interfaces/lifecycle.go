package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenFillCore/internal/config"
	"github.com/KevinKickass/OpenFillCore/internal/machine"
)

// PourHistory returns the most recent pour records, newest first.
type PourHistory interface {
	RecentPourRecords(ctx context.Context, limit int) ([]machine.PourRecord, error)
}

// FillerRuntime is what the operator API reaches into.
type FillerRuntime interface {
	Config() *config.Config
	Controller() *machine.Controller
	Arbiter() *machine.Arbiter
	Cleaner() *machine.Cleaner
	Healthy() bool
	// History is nil when no database is configured.
	History() PourHistory
}
