package usage

import (
	"context"
	"math"
	"time"

	"github.com/goodtune/sessionlog/internal/storage"
)

// MaxDeviceIDLength bounds device identifiers.
const MaxDeviceIDLength = 100

// MaxHistoryDays bounds a single aggregation request.
const MaxHistoryDays = 3660

// DateLayout is the format of dates in aggregates and file names.
const DateLayout = "2006-01-02"

// DailyTotal is the on-time of a device for one calendar day.
type DailyTotal struct {
	Date    string `json:"date"`
	Seconds int64  `json:"seconds"`
}

// Hours returns Seconds as fractional hours rounded to two places.
func (d DailyTotal) Hours() float64 {
	return math.Round(float64(d.Seconds)/36) / 100
}

// DeviceStatus is running when a device has an open session.
type DeviceStatus string

const (
	StatusRunning DeviceStatus = "running"
	StatusStopped DeviceStatus = "stopped"
)

// DeviceSummary is the per-device overview for today.
type DeviceSummary struct {
	DeviceID          string       `json:"device_id"`
	Status            DeviceStatus `json:"status"`
	TodaySeconds      int64        `json:"today_runtime_seconds"`
	SessionCountToday int          `json:"session_count_today"`
	LastActive        *time.Time   `json:"last_active"`
}

// StartResult is returned by Recorder.Start.
type StartResult struct {
	Session storage.Session
	// Closed is the previously open session, if Start had to close it.
	Closed *storage.Session
}

// Journal mirrors session boundaries outside the primary store.
type Journal interface {
	RecordStart(ctx context.Context, session storage.Session) error
	RecordEnd(ctx context.Context, session storage.Session) error
}

// Invalidator drops cached results for a device.
type Invalidator interface {
	Invalidate(deviceID string)
}
