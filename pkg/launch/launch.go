package launch

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"
)

var DebugLog func(string, ...interface{})

var (
	ErrNoDevices    = errors.New("device count must be greater than 0")
	ErrUnevenBatch  = errors.New("batch size is not divisible by device count")
	ErrInvalidRange = errors.New("invalid port range")
)

const (
	DefaultDevices   = 4
	DefaultPortMin   = 10000
	DefaultPortMax   = 65535
	DefaultTimestamp = "01-02-15-04"
)

type BatchPolicy string

const (
	Truncate BatchPolicy = "truncate"
	Reject   BatchPolicy = "reject"
)

// Calculator derives the secondary launch parameters of a run.
type Calculator struct {
	Devices         int
	PortMin         int
	PortMax         int
	Policy          BatchPolicy
	TimestampFormat string

	Now  func() time.Time
	Rand *rand.Rand
}

func NewCalculator(devices int, policy BatchPolicy) *Calculator {
	return &Calculator{
		Devices:         devices,
		PortMin:         DefaultPortMin,
		PortMax:         DefaultPortMax,
		Policy:          policy,
		TimestampFormat: DefaultTimestamp,
		Now:             time.Now,
		Rand:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// DeviceCount returns the configured device count, falling back to
// DefaultDevices when unset.
func (c *Calculator) DeviceCount() int {
	if c.Devices == 0 {
		return DefaultDevices
	}
	return c.Devices
}

// PerDeviceBatch splits the total batch size across devices with integer
// division. A remainder is dropped under Truncate and rejected under Reject.
func (c *Calculator) PerDeviceBatch(total int) (int, error) {
	devices := c.DeviceCount()
	if devices <= 0 {
		return 0, ErrNoDevices
	}

	perDevice := total / devices
	if remainder := total % devices; remainder != 0 {
		if c.Policy == Reject {
			return 0, fmt.Errorf("%w: %d %% %d = %d", ErrUnevenBatch, total, devices, remainder)
		}
		if DebugLog != nil {
			DebugLog("batch size %d truncated to %d per device (%d devices, %d dropped)",
				total, perDevice, devices, remainder)
		}
	}

	return perDevice, nil
}

// Port picks a rendezvous port uniformly from [PortMin, PortMax).
// Concurrent launches may still collide.
func (c *Calculator) Port() (int, error) {
	lo, hi := c.PortMin, c.PortMax
	if lo == 0 && hi == 0 {
		lo, hi = DefaultPortMin, DefaultPortMax
	}
	if lo <= 0 || hi <= lo {
		return 0, fmt.Errorf("%w: [%d, %d)", ErrInvalidRange, lo, hi)
	}

	r := c.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return lo + r.Intn(hi-lo), nil
}

// ExperimentID appends the current time to base. An empty base falls back
// to fallback, then to "experiment".
func (c *Calculator) ExperimentID(base, fallback string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = strings.TrimSpace(fallback)
	}
	if base == "" {
		base = "experiment"
	}

	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	layout := c.TimestampFormat
	if layout == "" {
		layout = DefaultTimestamp
	}

	return base + "_" + now().Format(layout)
}
