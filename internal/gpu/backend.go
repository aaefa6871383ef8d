package gpu

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"go.uber.org/zap"
)

// errTransient marks a Poll failure the scheduler should treat as
// "skip this tick, keep the loop alive" rather than fatal.
var errTransient = errors.New("gpu: transient poll failure")

// IsTransient reports whether err came from a transient poll failure.
func IsTransient(err error) bool {
	return errors.Is(err, errTransient)
}

// strategy is the internal interface both backends satisfy.
type strategy interface {
	Poll() ([]DeviceSnapshot, error)
}

// Backend exposes a single poll operation and never switches strategy
// once selected, avoiding oscillation and keeping timing comparable
// across samples.
type Backend struct {
	strategy strategy
	nvml     *nvmlBackend // non-nil only when the primary strategy is active
}

// Init selects a strategy at start-up: try the NVML binding first; if it
// fails and fallback_to_cli is enabled, fall back to nvidia-smi parsing
// after logging once at warn; if neither is available, start-up fails.
func Init(logger *zap.Logger, enableLibrary, fallbackToCLI bool) (*Backend, error) {
	var nvmlErr error

	if enableLibrary {
		nb, err := newNVMLBackend()
		if err == nil {
			return &Backend{strategy: nb, nvml: nb}, nil
		}
		nvmlErr = err
		if !fallbackToCLI {
			return nil, fmt.Errorf("gpu: nvml init failed and cli fallback disabled: %w", err)
		}
		logger.Warn("nvml unavailable, falling back to nvidia-smi", zap.Error(err))
	}

	if !fallbackToCLI {
		return nil, fmt.Errorf("gpu: no gpu backend available (library disabled or failed, fallback disabled)")
	}

	cb := newCLIBackend(runCommand)
	if _, err := cb.Poll(); err != nil {
		if nvmlErr != nil {
			return nil, fmt.Errorf("gpu: both nvml (%v) and nvidia-smi fallback (%w) failed", nvmlErr, err)
		}
		return nil, fmt.Errorf("gpu: nvidia-smi fallback failed: %w", err)
	}

	return &Backend{strategy: cb}, nil
}

// Poll returns a nonempty snapshot list or a transient error the caller
// should treat as "skip this tick."
func (b *Backend) Poll() ([]DeviceSnapshot, error) {
	return b.strategy.Poll()
}

// Close releases backend resources (a no-op for the CLI strategy).
func (b *Backend) Close() {
	if b.nvml != nil {
		b.nvml.Close()
	}
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}
