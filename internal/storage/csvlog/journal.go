// Package csvlog writes session boundaries to daily CSV files and can serve
// those files back as a storage.Store.
package csvlog

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/goodtune/sessionlog/internal/storage"
)

// Header is the first row of every journal file.
var Header = []string{"device_id", "start_time", "end_time", "duration_seconds"}

const (
	filePrefix = "sessions_"
	fileSuffix = ".csv"
	dateLayout = "2006-01-02"
)

// Journal appends session boundary rows to <dir>/sessions_YYYY-MM-DD.csv,
// one file per wall-clock write date.
type Journal struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

// NewJournal creates the journal directory if needed.
func NewJournal(dir string) (*Journal, error) {
	if dir == "" {
		return nil, fmt.Errorf("csv journal directory is empty")
	}
	if err := storage.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("create csv directory: %w", err)
	}
	return &Journal{dir: dir, now: time.Now}, nil
}

// Dir returns the journal directory.
func (j *Journal) Dir() string { return j.dir }

// FileFor returns the journal file written on the given date.
func (j *Journal) FileFor(t time.Time) string {
	return filepath.Join(j.dir, filePrefix+t.UTC().Format(dateLayout)+fileSuffix)
}

// RecordStart appends a start row with empty end and duration.
func (j *Journal) RecordStart(ctx context.Context, session storage.Session) error {
	return j.append(ctx, []string{
		session.DeviceID,
		formatTime(session.StartedAt),
		"",
		"",
	})
}

// RecordEnd appends a row for a closed session.
func (j *Journal) RecordEnd(ctx context.Context, session storage.Session) error {
	d, ok := session.Duration()
	if !ok {
		return fmt.Errorf("session %d is still open", session.ID)
	}
	return j.append(ctx, []string{
		session.DeviceID,
		formatTime(session.StartedAt),
		formatTime(*session.EndedAt),
		strconv.FormatInt(int64(d/time.Second), 10),
	})
}

func (j *Journal) append(ctx context.Context, row []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	path := j.FileFor(j.now())

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", filepath.Base(path), err)
	}
	defer func() { _ = lock.Unlock() }()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open csv file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(Header); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	if err := w.Write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return storage.Normalize(t).Format(time.RFC3339)
}
