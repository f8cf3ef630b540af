package preflight

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"gopkg.in/yaml.v3"
)

// NewDiskCheck builds a DiskCheck backed by gopsutil's filesystem stats.
func NewDiskCheck(path string) *DiskCheck {
	return &DiskCheck{
		Path: path,
		Usage: func(p string) (total, free uint64, err error) {
			usage, err := disk.Usage(p)
			if err != nil {
				return 0, 0, err
			}
			return usage.Total, usage.Free, nil
		},
	}
}

// NewMemoryCheck builds a MemoryCheck backed by gopsutil's virtual memory
// stats.
func NewMemoryCheck() *MemoryCheck {
	return &MemoryCheck{
		Stats: func() (uint64, error) {
			v, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return v.Available, nil
		},
	}
}

// NewScopeCheck builds a ScopeCheck that parses the scope file as YAML.
func NewScopeCheck(path string) *ScopeCheck {
	return &ScopeCheck{
		Path: path,
		Loader: func(p string) (map[string]any, error) {
			data, err := os.ReadFile(p)
			if err != nil {
				return nil, err
			}
			var out map[string]any
			if err := yaml.Unmarshal(data, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}
}

// RedisOptions resolves direct and Sentinel-mode broker connections for
// NewBrokerCheck. Exactly one of URL or SentinelAddrs should be set.
type RedisOptions struct {
	URL          string
	SentinelAddrs []string
	MasterName   string
}

// NewBrokerCheck builds a BrokerCheck that pings either a direct Redis
// connection or, when Sentinel addresses are configured, discovers and
// pings the current Sentinel-elected master.
func NewBrokerCheck(opts RedisOptions) *BrokerCheck {
	return &BrokerCheck{
		Ping: func(ctx context.Context) (string, error) {
			if len(opts.SentinelAddrs) > 0 {
				sentinel := redis.NewSentinelClient(&redis.Options{Addr: opts.SentinelAddrs[0]})
				defer sentinel.Close()
				masterAddr, err := sentinel.GetMasterAddrByName(ctx, opts.MasterName).Result()
				if err != nil {
					return "", fmt.Errorf("sentinel master discovery: %w", err)
				}
				if len(masterAddr) < 2 {
					return "", fmt.Errorf("sentinel returned no master for %s", opts.MasterName)
				}
				addr := masterAddr[0] + ":" + masterAddr[1]
				client := redis.NewClient(&redis.Options{Addr: addr})
				defer client.Close()
				if err := client.Ping(ctx).Err(); err != nil {
					return "", fmt.Errorf("ping sentinel master %s: %w", addr, err)
				}
				return addr, nil
			}

			client := redis.NewClient(&redis.Options{Addr: opts.URL})
			defer client.Close()
			if err := client.Ping(ctx).Err(); err != nil {
				return "", err
			}
			return "", nil
		},
	}
}

// certHoursRemaining parses a PEM certificate at path and returns the
// hours remaining until expiry. crypto/x509 is the idiomatic stdlib
// choice for certificate parsing in Go — unlike Python, which reaches for
// the third-party cryptography package, Go's standard library is the
// ecosystem-standard way to do this.
func certHoursRemaining(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return 0, fmt.Errorf("no PEM block found in %s", path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return 0, fmt.Errorf("parse certificate: %w", err)
	}
	remaining := time.Until(cert.NotAfter)
	return remaining.Hours(), nil
}

// NewCertCheck builds a CertCheck that parses the configured PEM
// certificate when enabled is true.
func NewCertCheck(enabled bool, certPath string) *CertCheck {
	return &CertCheck{Enabled: enabled, CertPath: certPath, Loader: certHoursRemaining}
}

// NewDefaultRunner assembles the standard six-check set (P0 broker,
// reasoner, scope, cert; P1 disk, memory), matching
// the reference implementation's PreFlightRunner
// defaults.
func NewDefaultRunner(redisOpts RedisOptions, reasonerPing ReasonerPinger, scopePath string, c2Enabled bool, certPath, storagePath string) *Runner {
	return New(
		NewBrokerCheck(redisOpts),
		&ReasonerCheck{Ping: reasonerPing},
		NewScopeCheck(scopePath),
		NewDiskCheck(storagePath),
		NewMemoryCheck(),
		NewCertCheck(c2Enabled, certPath),
	)
}
