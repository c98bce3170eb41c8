// Package records persists completed pours.
package records

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFillCore/internal/machine"
)

// Header is the column layout of the daily pour log.
var Header = []string{
	"time", "batch", "mould weight", "flavour", "set weight", "set high speed",
	"set low speed", "mould 1 weight", "mould 1 fill time", "mould 2 weight", "mould 2 fill time",
}

const timeLayout = "2006-01-02 15-04-05"

// CSVLog appends pours to one file per day (YYYY-MM-DD.csv).
type CSVLog struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

func NewCSVLog(dir string) (*CSVLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	return &CSVLog{dir: dir, now: time.Now}, nil
}

// Path returns the file a record completed at t is written to.
func (l *CSVLog) Path(t time.Time) string {
	return filepath.Join(l.dir, t.Format("2006-01-02")+".csv")
}

func (l *CSVLog) SavePourRecord(_ context.Context, rec machine.PourRecord) (err error) {
	at := rec.CompletedAt
	if at.IsZero() {
		at = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	path := l.Path(at)
	_, statErr := os.Stat(path)
	isNew := errors.Is(statErr, os.ErrNotExist)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open pour log: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close pour log: %w", cerr)
		}
	}()

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(Header); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}
	if err := w.Write(row(at, rec)); err != nil {
		return fmt.Errorf("write pour record: %w", err)
	}
	w.Flush()
	return w.Error()
}

func row(at time.Time, rec machine.PourRecord) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	secs := func(d time.Duration) string { return strconv.FormatFloat(d.Seconds(), 'f', 2, 64) }
	return []string{
		at.Format(timeLayout),
		rec.Batch,
		f(rec.MouldTare),
		rec.Flavour,
		f(rec.DesiredVolume),
		f(rec.FastSpeed),
		f(rec.SlowSpeed),
		f(rec.LeftPour),
		secs(rec.LeftFillTime),
		f(rec.RightPour),
		secs(rec.RightFillTime),
	}
}
