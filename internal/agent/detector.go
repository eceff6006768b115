package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/goodtune/sessionlog/internal/config"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/process"
)

// Detector decides whether the device is currently running.
type Detector interface {
	Busy(ctx context.Context) (bool, error)
}

// AlwaysBusy treats the agent being alive as the device being on.
type AlwaysBusy struct{}

func (AlwaysBusy) Busy(context.Context) (bool, error) { return true, nil }

// CPUDetector reports busy while total CPU utilisation is at or above
// Threshold percent, sampled over Sample.
type CPUDetector struct {
	Threshold float64
	Sample    time.Duration
}

func (d CPUDetector) Busy(ctx context.Context) (bool, error) {
	sample := d.Sample
	if sample <= 0 {
		sample = time.Second
	}
	percent, err := cpu.PercentWithContext(ctx, sample, false)
	if err != nil {
		return false, fmt.Errorf("sample cpu: %w", err)
	}
	if len(percent) == 0 {
		return false, fmt.Errorf("sample cpu: no data")
	}
	return percent[0] >= d.Threshold, nil
}

// ProcessDetector reports busy while any process with one of Names is
// running. Names match the executable name case-insensitively, with or
// without an extension.
type ProcessDetector struct {
	Names []string
}

func (d ProcessDetector) Busy(ctx context.Context) (bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("list processes: %w", err)
	}
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			// Processes exit between listing and inspection.
			continue
		}
		if d.matches(name) {
			return true, nil
		}
	}
	return false, nil
}

func (d ProcessDetector) matches(name string) bool {
	bare := strings.TrimSuffix(name, filepath.Ext(name))
	for _, want := range d.Names {
		if strings.EqualFold(name, want) || strings.EqualFold(bare, want) {
			return true
		}
	}
	return false
}

// NewDetector builds the detector named in the agent configuration.
func NewDetector(cfg config.AgentConfig) (Detector, error) {
	switch cfg.Detector {
	case config.DetectorAlways, "":
		return AlwaysBusy{}, nil
	case config.DetectorCPU:
		return CPUDetector{Threshold: cfg.CPUThreshold, Sample: time.Second}, nil
	case config.DetectorProcess:
		if len(cfg.ProcessNames) == 0 {
			return nil, fmt.Errorf("process detector needs at least one process name")
		}
		return ProcessDetector{Names: cfg.ProcessNames}, nil
	default:
		return nil, fmt.Errorf("unknown detector %q", cfg.Detector)
	}
}
