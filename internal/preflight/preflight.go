// Package preflight implements the Preflight Runner:
// ordered P0/P1 environment checks executed sequentially before an
// engagement starts.
package preflight

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/ghostframe/orchestrator/internal/ghosterrors"
)

// Status is one check's outcome.
type Status string

const (
	StatusPass Status = "PASS"
	StatusWarn Status = "WARN"
	StatusFail Status = "FAIL"
)

// Priority is a check's severity class: P0 checks block engagement start
// on failure, P1 checks only warn (unless the caller opts out of
// acknowledging warnings).
type Priority string

const (
	P0 Priority = "P0"
	P1 Priority = "P1"
)

// CheckResult is the outcome of one check's execution.
type CheckResult struct {
	Name     string
	Status   Status
	Priority Priority
	Message  string
	Details  map[string]any
}

// Check is one environment precondition.
type Check interface {
	Name() string
	Priority() Priority
	Execute(ctx context.Context) CheckResult
}

// Runner executes the configured checks, P0 before P1, sequentially.
type Runner struct {
	checks []Check
}

// New builds a Runner over the given checks. Use NewDefaultRunner to
// assemble the standard built-in set (broker, reasoner, scope, disk,
// memory, cert).
func New(checks ...Check) *Runner {
	return &Runner{checks: checks}
}

// RunAll executes every configured check, P0 checks first, and returns
// their results in that order.
func (r *Runner) RunAll(ctx context.Context) []CheckResult {
	ordered := make([]Check, len(r.checks))
	copy(ordered, r.checks)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority() == P0 && ordered[j].Priority() != P0
	})

	results := make([]CheckResult, 0, len(ordered))
	for _, c := range ordered {
		results = append(results, c.Execute(ctx))
	}
	return results
}

// ValidateResults raises on any P0 FAIL, and — unless acceptWarnings is
// set — on any P1 FAIL or WARN.
func (r *Runner) ValidateResults(results []CheckResult, acceptWarnings bool) error {
	var p0Failures []CheckResult
	var p1Warnings []CheckResult
	for _, res := range results {
		switch {
		case res.Priority == P0 && res.Status == StatusFail:
			p0Failures = append(p0Failures, res)
		case res.Priority == P1 && (res.Status == StatusFail || res.Status == StatusWarn):
			p1Warnings = append(p1Warnings, res)
		}
	}

	if len(p0Failures) > 0 {
		return ghosterrors.New(ghosterrors.KindSafety, "preflight", fmt.Errorf("preflight blocking failure: %s", summarize(p0Failures)))
	}
	if len(p1Warnings) > 0 && !acceptWarnings {
		return ghosterrors.New(ghosterrors.KindSafety, "preflight", fmt.Errorf("preflight warnings require acknowledgement: %s", summarize(p1Warnings)))
	}
	return nil
}

func summarize(results []CheckResult) string {
	out := ""
	for i, r := range results {
		if i > 0 {
			out += "; "
		}
		out += fmt.Sprintf("%s: %s", r.Name, r.Message)
	}
	return out
}

// Validate runs every configured check and validates the results,
// satisfying engagement.Preflight's interface directly.
func (r *Runner) Validate(ctx context.Context, acceptWarnings bool) error {
	return r.ValidateResults(r.RunAll(ctx), acceptWarnings)
}

// DiskUsage abstracts os/disk statistics for DiskCheck, overridable in
// tests.
type DiskUsage func(path string) (total, free uint64, err error)

// DiskCheck verifies at least 10% free space on the configured storage
// path (P1: warns rather than blocks).
type DiskCheck struct {
	Path  string
	Usage DiskUsage
}

func (c *DiskCheck) Name() string       { return "DISK_CHECK" }
func (c *DiskCheck) Priority() Priority { return P1 }

func (c *DiskCheck) Execute(ctx context.Context) CheckResult {
	path := c.Path
	if path == "" {
		path = "/"
	}
	if _, err := os.Stat(path); err != nil {
		path = "/"
	}
	total, free, err := c.Usage(path)
	if err != nil {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: c.Priority(), Message: fmt.Sprintf("disk check failed: %s", err)}
	}
	if total == 0 {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: c.Priority(), Message: "disk check failed: zero-size volume"}
	}
	percentFree := float64(free) / float64(total) * 100
	if percentFree >= 10.0 {
		return CheckResult{Name: c.Name(), Status: StatusPass, Priority: c.Priority(), Message: fmt.Sprintf("disk space OK: %.1f%% free", percentFree), Details: map[string]any{"path": path, "free_percent": percentFree}}
	}
	return CheckResult{Name: c.Name(), Status: StatusWarn, Priority: c.Priority(), Message: fmt.Sprintf("low disk space: %.1f%% free (min 10%%)", percentFree), Details: map[string]any{"path": path, "free_percent": percentFree}}
}

// MemoryStats abstracts available-RAM reporting, overridable in tests.
type MemoryStats func() (availableBytes uint64, err error)

// MemoryCheck verifies at least 1 GiB RAM available (P1: warns).
type MemoryCheck struct {
	Stats MemoryStats
}

func (c *MemoryCheck) Name() string       { return "MEMORY_CHECK" }
func (c *MemoryCheck) Priority() Priority { return P1 }

const gib = 1024 * 1024 * 1024

func (c *MemoryCheck) Execute(ctx context.Context) CheckResult {
	available, err := c.Stats()
	if err != nil {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: c.Priority(), Message: fmt.Sprintf("memory check failed: %s", err)}
	}
	availableGB := float64(available) / gib
	if availableGB >= 1.0 {
		return CheckResult{Name: c.Name(), Status: StatusPass, Priority: c.Priority(), Message: fmt.Sprintf("memory OK: %.2fGB available", availableGB), Details: map[string]any{"available_gb": availableGB}}
	}
	return CheckResult{Name: c.Name(), Status: StatusWarn, Priority: c.Priority(), Message: fmt.Sprintf("low memory: %.2fGB available (min 1GB)", availableGB), Details: map[string]any{"available_gb": availableGB}}
}

// ScopeFileLoader parses a scope file, overridable in tests.
type ScopeFileLoader func(path string) (map[string]any, error)

// ScopeCheck verifies the scope file exists and parses to a YAML mapping
// (P0: blocks).
type ScopeCheck struct {
	Path   string
	Loader ScopeFileLoader
}

func (c *ScopeCheck) Name() string       { return "SCOPE_CHECK" }
func (c *ScopeCheck) Priority() Priority { return P0 }

func (c *ScopeCheck) Execute(ctx context.Context) CheckResult {
	if c.Path == "" {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: c.Priority(), Message: "scope configuration missing scope_path"}
	}
	if _, err := os.Stat(c.Path); err != nil {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: c.Priority(), Message: fmt.Sprintf("scope file not found: %s", c.Path)}
	}
	data, err := c.Loader(c.Path)
	if err != nil {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: c.Priority(), Message: fmt.Sprintf("scope parse error: %s", err)}
	}
	if len(data) == 0 {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: c.Priority(), Message: "scope file is empty or invalid"}
	}
	return CheckResult{Name: c.Name(), Status: StatusPass, Priority: c.Priority(), Message: "scope file valid"}
}

// BrokerPinger probes broker reachability, overridable in tests. The
// sentinel-aware resolution (direct connection vs. sentinel-discovered
// master) lives in the function the caller supplies.
type BrokerPinger func(ctx context.Context) (masterAddr string, err error)

// BrokerCheck verifies the event bus broker is reachable (P0: blocks).
type BrokerCheck struct {
	Ping BrokerPinger
}

func (c *BrokerCheck) Name() string       { return "REDIS_CHECK" }
func (c *BrokerCheck) Priority() Priority { return P0 }

func (c *BrokerCheck) Execute(ctx context.Context) CheckResult {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	addr, err := c.Ping(cctx)
	if err != nil {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: c.Priority(), Message: fmt.Sprintf("broker connection failed: %s", err)}
	}
	if addr != "" {
		return CheckResult{Name: c.Name(), Status: StatusPass, Priority: c.Priority(), Message: fmt.Sprintf("broker reachable, master at %s", addr), Details: map[string]any{"master_address": addr}}
	}
	return CheckResult{Name: c.Name(), Status: StatusPass, Priority: c.Priority(), Message: "broker reachable"}
}

// ReasonerPinger probes the Reasoner's API reachability, overridable in
// tests.
type ReasonerPinger func(ctx context.Context) error

// ReasonerCheck verifies the Reasoner backend is reachable (P0: blocks).
type ReasonerCheck struct {
	Ping ReasonerPinger
}

func (c *ReasonerCheck) Name() string       { return "REASONER_CHECK" }
func (c *ReasonerCheck) Priority() Priority { return P0 }

func (c *ReasonerCheck) Execute(ctx context.Context) CheckResult {
	cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.Ping(cctx); err != nil {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: c.Priority(), Message: fmt.Sprintf("reasoner ping failed: %s", err)}
	}
	return CheckResult{Name: c.Name(), Status: StatusPass, Priority: c.Priority(), Message: "reasoner reachable and responding"}
}

// CertHoursRemaining loads a cert's expiry, overridable in tests.
type CertHoursRemaining func(path string) (hoursRemaining float64, err error)

const certMinHoursRemaining = 24.0

// CertCheck verifies the C2 certificate has at least 24h of validity
// remaining, when C2 is enabled (P0: blocks).
type CertCheck struct {
	Enabled  bool
	CertPath string
	Loader   CertHoursRemaining
}

func (c *CertCheck) Name() string       { return "CERT_CHECK" }
func (c *CertCheck) Priority() Priority { return P0 }

func (c *CertCheck) Execute(ctx context.Context) CheckResult {
	if !c.Enabled {
		return CheckResult{Name: c.Name(), Status: StatusPass, Priority: c.Priority(), Message: "C2 disabled, skipping cert check"}
	}
	if c.CertPath == "" {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: c.Priority(), Message: "C2 cert missing"}
	}
	info, err := os.Stat(c.CertPath)
	if err != nil {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: c.Priority(), Message: "C2 cert missing"}
	}
	if info.Size() == 0 {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: c.Priority(), Message: "C2 cert empty"}
	}
	hours, err := c.Loader(c.CertPath)
	if err != nil {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: c.Priority(), Message: fmt.Sprintf("cert expiry check failed: %s", err)}
	}
	if hours < 0 {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: c.Priority(), Message: "C2 cert expired", Details: map[string]any{"hours_remaining": hours}}
	}
	if hours < certMinHoursRemaining {
		return CheckResult{Name: c.Name(), Status: StatusFail, Priority: c.Priority(), Message: fmt.Sprintf("C2 cert expires in %.1fh (min %.0fh required)", hours, certMinHoursRemaining), Details: map[string]any{"hours_remaining": hours}}
	}
	return CheckResult{Name: c.Name(), Status: StatusPass, Priority: c.Priority(), Message: fmt.Sprintf("C2 cert valid (%.1fh remaining)", hours), Details: map[string]any{"hours_remaining": hours}}
}
