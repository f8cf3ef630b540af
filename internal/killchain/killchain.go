// Package killchain implements the kill-chain state machine:
// phase progression, per-phase candidate tools, and findings-driven
// transitions.
package killchain

import (
	"strings"

	"github.com/ghostframe/orchestrator/internal/model"
)

// candidateTools is the statically declared tool palette per phase,
// mirroring PHASE_TOOLS in the Python original.
var candidateTools = map[model.AttackPhase][]string{
	model.PhaseRecon:         {"nmap", "masscan", "amass"},
	model.PhaseEnumeration:   {"nmap", "gobuster", "nikto"},
	model.PhaseVulnerability: {"nuclei", "nmap"},
	model.PhaseExploitation:  {"sqlmap", "metasploit", "hydra"},
	model.PhasePostExploit:   {"linpeas", "mimikatz"},
	model.PhaseExfil:         {},
	model.PhaseComplete:      {},
}

// minFindingsThreshold is the minimum-findings-for-advance threshold per
// phase, mirroring PHASE_THRESHOLDS. Most transitions are
// findings-type-driven rather than count-driven; determineNextPhase does
// not consult this table, so advancement follows only the explicit rules
// below.
var minFindingsThreshold = map[model.AttackPhase]int{
	model.PhaseRecon:         1,
	model.PhaseEnumeration:   0,
	model.PhaseVulnerability: 0,
	model.PhaseExploitation:  0,
	model.PhasePostExploit:   0,
}

// serviceScanners maps a discovered service name fragment to tools it
// recommends adding for the next phase.
var serviceScanners = []struct {
	match string
	tools []string
}{
	{"http", []string{"gobuster", "nikto"}},
	{"wordpress", []string{"wpscan"}},
	{"ssh", []string{"hydra"}},
	{"mysql", []string{"sqlmap"}},
	{"smb", []string{"enum4linux"}},
}

// KillChain tracks one engagement's phase progress.
type KillChain struct {
	CurrentPhase model.AttackPhase
	context      *model.AttackContext
}

// New starts a kill chain at RECON for the given attack context.
func New(ctx *model.AttackContext) *KillChain {
	return &KillChain{CurrentPhase: model.PhaseRecon, context: ctx}
}

// Advance runs the transition function for the current phase given the
// accumulated findings in the attack context, mutates CurrentPhase, and
// returns the set of recommended tools (at most five) for the new phase.
func (k *KillChain) Advance() []string {
	next := k.determineNextPhase()
	k.CurrentPhase = next
	return k.recommendTools(next)
}

// determineNextPhase implements the exact per-phase advancement rule.
func (k *KillChain) determineNextPhase() model.AttackPhase {
	switch k.CurrentPhase {
	case model.PhaseRecon:
		if k.hasHostsOrPorts() {
			return model.PhaseEnumeration
		}
		return model.PhaseRecon
	case model.PhaseEnumeration:
		return model.PhaseVulnerability
	case model.PhaseVulnerability:
		if k.hasCriticalOrHighFinding() || len(k.context.Credentials) > 0 {
			return model.PhaseExploitation
		}
		return model.PhaseVulnerability
	case model.PhaseExploitation:
		if len(k.context.Shells) > 0 {
			return model.PhasePostExploit
		}
		return model.PhaseExploitation
	case model.PhasePostExploit:
		return model.PhaseExfil
	case model.PhaseExfil:
		return model.PhaseComplete
	default:
		return k.CurrentPhase
	}
}

func (k *KillChain) hasHostsOrPorts() bool {
	if len(k.context.Hosts) > 0 {
		return true
	}
	for _, ports := range k.context.OpenPorts {
		if len(ports) > 0 {
			return true
		}
	}
	return false
}

func (k *KillChain) hasCriticalOrHighFinding() bool {
	for _, v := range k.context.Vulnerabilities {
		sev, _ := v["severity"].(string)
		if sev == string(model.SeverityCritical) || sev == string(model.SeverityHigh) {
			return true
		}
	}
	return false
}

// recommendTools returns up to five tools for phase, starting from the
// static candidate list and adding service-driven scanners discovered in
// the attack context (e.g. an HTTP service recommends web scanners).
func (k *KillChain) recommendTools(phase model.AttackPhase) []string {
	seen := make(map[string]bool)
	var tools []string

	add := func(name string) bool {
		if seen[name] {
			return false
		}
		seen[name] = true
		tools = append(tools, name)
		return len(tools) >= 5
	}

	for _, t := range candidateTools[phase] {
		if add(t) {
			return tools
		}
	}

	for _, services := range k.context.Services {
		for _, svc := range services {
			lower := strings.ToLower(svc)
			for _, scanner := range serviceScanners {
				if strings.Contains(lower, scanner.match) {
					for _, t := range scanner.tools {
						if add(t) {
							return tools
						}
					}
				}
			}
		}
	}

	return tools
}

// UpdateContext folds a PhaseResult's findings into the attack context by
// finding type (port_scan, vulnerability/sqli/rce, credential, shell,
// recon), since phase execution updates the attack context.
func (k *KillChain) UpdateContext(result model.PhaseResult) {
	k.context.PhaseHistory = append(k.context.PhaseHistory, result)
	for _, f := range result.Findings {
		entry := map[string]any{"type": f.Type, "severity": string(f.Severity), "name": f.ID}
		switch f.Type {
		case "port_scan":
			k.context.Hosts = appendUnique(k.context.Hosts, f.Target)
		case "vulnerability", "sqli", "rce":
			k.context.Vulnerabilities = append(k.context.Vulnerabilities, entry)
		case "credential":
			k.context.Credentials = append(k.context.Credentials, entry)
		case "shell":
			k.context.Shells = append(k.context.Shells, entry)
		case "recon":
			k.context.Hosts = appendUnique(k.context.Hosts, f.Target)
		}
	}
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// Status is a snapshot of the kill chain's progress.
type Status struct {
	CurrentPhase     model.AttackPhase
	FindingsCount    int
	VulnerableCount  int
	CredentialsCount int
	ShellsCount      int
}

// GetStatus returns a snapshot suitable for publishing as a state_change
// event.
func (k *KillChain) GetStatus() Status {
	return Status{
		CurrentPhase:     k.CurrentPhase,
		FindingsCount:     len(k.context.PhaseHistory),
		VulnerableCount:   len(k.context.Vulnerabilities),
		CredentialsCount:  len(k.context.Credentials),
		ShellsCount:       len(k.context.Shells),
	}
}

// RunToCompletion repeatedly calls advanceFn for the current phase, folds
// its result into the context and advances, until the chain reaches
// COMPLETE or maxSteps steps have run. It does not stop early when a step
// leaves the phase unchanged.
func (k *KillChain) RunToCompletion(maxSteps int, advanceFn func(phase model.AttackPhase) model.PhaseResult) []model.PhaseResult {
	var results []model.PhaseResult
	for i := 0; i < maxSteps && k.CurrentPhase != model.PhaseComplete; i++ {
		result := advanceFn(k.CurrentPhase)
		k.UpdateContext(result)
		k.Advance()
		results = append(results, result)
	}
	return results
}
