package policy

import (
	"fmt"
	"sync"
	"time"
)

// Severity ranks how dangerous a violation is. Critical disables the
// plugin immediately; repeated High violations do too.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// ViolationKind names the limit that was breached.
type ViolationKind string

const (
	ViolationHeapMemory      ViolationKind = "heap_memory"
	ViolationCPUTime         ViolationKind = "cpu_time"
	ViolationFileDescriptors ViolationKind = "file_descriptors"
	ViolationThreads         ViolationKind = "threads"
	ViolationConnections     ViolationKind = "connections"
	ViolationDatabaseQuery   ViolationKind = "database_query"
	ViolationExternalAPI     ViolationKind = "external_api"
	ViolationHookTimeout     ViolationKind = "hook_timeout"
)

// severityOf maps kinds to the escalation each one deserves: memory
// overage is grounds for an immediate kill, descriptor or thread
// overage starts as a warning.
func severityOf(kind ViolationKind) Severity {
	switch kind {
	case ViolationHeapMemory:
		return SeverityCritical
	case ViolationCPUTime, ViolationHookTimeout:
		return SeverityHigh
	case ViolationDatabaseQuery, ViolationExternalAPI:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// Violation is a typed record of one exceeded limit. Used/Limit carry
// the measured and configured values in the kind's natural unit
// (bytes, milliseconds, or counts).
type Violation struct {
	Kind     ViolationKind `json:"kind"`
	Used     uint64        `json:"used"`
	Limit    uint64        `json:"limit"`
	Hook     string        `json:"hook,omitempty"`
	Severity Severity      `json:"severity"`
	At       time.Time     `json:"at"`
}

// NewViolation builds a violation stamped with now and the kind's severity.
func NewViolation(kind ViolationKind, used, limit uint64) Violation {
	return Violation{
		Kind:     kind,
		Used:     used,
		Limit:    limit,
		Severity: severityOf(kind),
		At:       time.Now(),
	}
}

// NewHookTimeoutViolation records a hook running past its budget.
func NewHookTimeoutViolation(hook string, elapsedMs, limitMs uint64) Violation {
	v := NewViolation(ViolationHookTimeout, elapsedMs, limitMs)
	v.Hook = hook
	return v
}

func (v Violation) String() string {
	if v.Hook != "" {
		return fmt.Sprintf("%s violation: hook %s used %d, limit %d", v.Kind, v.Hook, v.Used, v.Limit)
	}
	return fmt.Sprintf("%s violation: used %d, limit %d", v.Kind, v.Used, v.Limit)
}

const (
	defaultViolationWindow = time.Minute
	defaultMaxViolations   = 5
)

// ViolationTracker keeps a sliding window of violations per plugin and
// decides when accumulated breaches warrant disabling the worker. Safe
// for concurrent use by the monitor loop and the manager.
type ViolationTracker struct {
	mu         sync.Mutex
	violations []Violation
	window     time.Duration
	max        int
}

// NewViolationTracker builds a tracker with an explicit window and cap.
func NewViolationTracker(window time.Duration, max int) *ViolationTracker {
	return &ViolationTracker{window: window, max: max}
}

// NewDefaultTracker uses the 60-second window with at most 5 retained
// violations.
func NewDefaultTracker() *ViolationTracker {
	return NewViolationTracker(defaultViolationWindow, defaultMaxViolations)
}

// Record adds a violation and prunes entries outside the window.
func (t *ViolationTracker) Record(v Violation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.violations = append(t.violations, v)
	t.prune()
}

// ShouldDisable reports whether the window holds enough trouble to pull
// the plugin: the retention cap reached, any Critical entry, or three
// or more High entries.
func (t *ViolationTracker) ShouldDisable() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune()

	if len(t.violations) >= t.max {
		return true
	}

	high := 0
	for _, v := range t.violations {
		if v.Severity == SeverityCritical {
			return true
		}
		if v.Severity >= SeverityHigh {
			high++
		}
	}
	return high >= 3
}

// Count returns the number of violations currently inside the window.
func (t *ViolationTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune()
	return len(t.violations)
}

// Recent returns a copy of the windowed violations, oldest first.
func (t *ViolationTracker) Recent() []Violation {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune()
	out := make([]Violation, len(t.violations))
	copy(out, t.violations)
	return out
}

// Reset clears all recorded violations.
func (t *ViolationTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.violations = t.violations[:0]
}

func (t *ViolationTracker) prune() {
	now := time.Now()
	kept := t.violations[:0]
	for _, v := range t.violations {
		if now.Sub(v.At) < t.window {
			kept = append(kept, v)
		}
	}
	t.violations = kept
}

// DisableBehavior describes what happens once ShouldDisable fires.
type DisableBehavior struct {
	// AutoDisable pulls the plugin without operator involvement.
	AutoDisable bool `yaml:"autoDisable" json:"auto_disable"`

	// GracePeriodMs is how long the worker gets to wind down.
	GracePeriodMs uint64 `yaml:"gracePeriodMs" json:"grace_period_ms"`

	// AllowCleanup lets the worker run its shutdown hook first.
	AllowCleanup bool `yaml:"allowCleanup" json:"allow_cleanup"`

	// MaxCleanupTimeMs bounds that shutdown hook.
	MaxCleanupTimeMs uint64 `yaml:"maxCleanupTimeMs" json:"max_cleanup_time_ms"`

	// LogViolations records every violation even when not disabling.
	LogViolations bool `yaml:"logViolations" json:"log_violations"`
}

// DefaultDisableBehavior matches GracefulDisable.
func DefaultDisableBehavior() DisableBehavior {
	return GracefulDisable()
}

// ImmediateDisable kills the worker with no grace at all.
func ImmediateDisable() DisableBehavior {
	return DisableBehavior{
		AutoDisable:   true,
		GracePeriodMs: 0,
		AllowCleanup:  false,
		LogViolations: true,
	}
}

// GracefulDisable gives the worker five seconds and a cleanup hook.
func GracefulDisable() DisableBehavior {
	return DisableBehavior{
		AutoDisable:      true,
		GracePeriodMs:    5000,
		AllowCleanup:     true,
		MaxCleanupTimeMs: 3000,
		LogViolations:    true,
	}
}

// ManualDisable only records; an operator decides what to do.
func ManualDisable() DisableBehavior {
	return DisableBehavior{
		AutoDisable:   false,
		LogViolations: true,
	}
}
