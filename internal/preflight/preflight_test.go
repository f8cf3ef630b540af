package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskCheck_PassAndWarn(t *testing.T) {
	pass := &DiskCheck{Usage: func(string) (uint64, uint64, error) { return 100, 50, nil }}
	res := pass.Execute(context.Background())
	assert.Equal(t, StatusPass, res.Status)
	assert.Equal(t, P1, res.Priority)

	warn := &DiskCheck{Usage: func(string) (uint64, uint64, error) { return 100, 5, nil }}
	res = warn.Execute(context.Background())
	assert.Equal(t, StatusWarn, res.Status)
}

func TestDiskCheck_FailOnError(t *testing.T) {
	c := &DiskCheck{Usage: func(string) (uint64, uint64, error) { return 0, 0, errors.New("no such volume") }}
	res := c.Execute(context.Background())
	assert.Equal(t, StatusFail, res.Status)
}

func TestMemoryCheck_PassAndWarn(t *testing.T) {
	pass := &MemoryCheck{Stats: func() (uint64, error) { return 2 * gib, nil }}
	assert.Equal(t, StatusPass, pass.Execute(context.Background()).Status)

	warn := &MemoryCheck{Stats: func() (uint64, error) { return 512 * 1024 * 1024, nil }}
	assert.Equal(t, StatusWarn, warn.Execute(context.Background()).Status)
}

func TestScopeCheck_MissingPathFails(t *testing.T) {
	c := &ScopeCheck{}
	assert.Equal(t, StatusFail, c.Execute(context.Background()).Status)
}

func TestScopeCheck_FileNotFoundFails(t *testing.T) {
	c := &ScopeCheck{Path: "/nonexistent/scope.yaml", Loader: func(string) (map[string]any, error) { return nil, nil }}
	assert.Equal(t, StatusFail, c.Execute(context.Background()).Status)
}

func TestScopeCheck_ValidParsePasses(t *testing.T) {
	path := writeTempFile(t, "targets: [example.com]")
	c := &ScopeCheck{Path: path, Loader: func(string) (map[string]any, error) {
		return map[string]any{"targets": []string{"example.com"}}, nil
	}}
	assert.Equal(t, StatusPass, c.Execute(context.Background()).Status)
}

func TestScopeCheck_EmptyParseFails(t *testing.T) {
	path := writeTempFile(t, "")
	c := &ScopeCheck{Path: path, Loader: func(string) (map[string]any, error) { return nil, nil }}
	assert.Equal(t, StatusFail, c.Execute(context.Background()).Status)
}

func TestBrokerCheck_DirectPingPasses(t *testing.T) {
	c := &BrokerCheck{Ping: func(ctx context.Context) (string, error) { return "", nil }}
	res := c.Execute(context.Background())
	assert.Equal(t, StatusPass, res.Status)
}

func TestBrokerCheck_SentinelMasterReported(t *testing.T) {
	c := &BrokerCheck{Ping: func(ctx context.Context) (string, error) { return "10.0.0.5:6379", nil }}
	res := c.Execute(context.Background())
	assert.Equal(t, StatusPass, res.Status)
	assert.Equal(t, "10.0.0.5:6379", res.Details["master_address"])
}

func TestBrokerCheck_UnreachableFails(t *testing.T) {
	c := &BrokerCheck{Ping: func(ctx context.Context) (string, error) { return "", errors.New("connection refused") }}
	assert.Equal(t, StatusFail, c.Execute(context.Background()).Status)
}

func TestReasonerCheck_PassAndFail(t *testing.T) {
	ok := &ReasonerCheck{Ping: func(ctx context.Context) error { return nil }}
	assert.Equal(t, StatusPass, ok.Execute(context.Background()).Status)

	bad := &ReasonerCheck{Ping: func(ctx context.Context) error { return errors.New("unauthorized") }}
	assert.Equal(t, StatusFail, bad.Execute(context.Background()).Status)
}

func TestCertCheck_SkippedWhenC2Disabled(t *testing.T) {
	c := &CertCheck{Enabled: false}
	assert.Equal(t, StatusPass, c.Execute(context.Background()).Status)
}

func TestCertCheck_MissingPathFails(t *testing.T) {
	c := &CertCheck{Enabled: true}
	assert.Equal(t, StatusFail, c.Execute(context.Background()).Status)
}

func TestCertCheck_ExpiringSoonFails(t *testing.T) {
	path := writeTempFile(t, "placeholder")
	c := &CertCheck{Enabled: true, CertPath: path, Loader: func(string) (float64, error) { return 2.0, nil }}
	res := c.Execute(context.Background())
	assert.Equal(t, StatusFail, res.Status)
}

func TestCertCheck_ExpiredFails(t *testing.T) {
	path := writeTempFile(t, "placeholder")
	c := &CertCheck{Enabled: true, CertPath: path, Loader: func(string) (float64, error) { return -1.0, nil }}
	assert.Equal(t, StatusFail, c.Execute(context.Background()).Status)
}

func TestCertCheck_HealthyPasses(t *testing.T) {
	path := writeTempFile(t, "placeholder")
	c := &CertCheck{Enabled: true, CertPath: path, Loader: func(string) (float64, error) { return 720.0, nil }}
	assert.Equal(t, StatusPass, c.Execute(context.Background()).Status)
}

func TestRunAll_OrdersP0BeforeP1(t *testing.T) {
	r := New(
		&MemoryCheck{Stats: func() (uint64, error) { return 2 * gib, nil }},
		&DiskCheck{Usage: func(string) (uint64, uint64, error) { return 100, 50, nil }},
		&ReasonerCheck{Ping: func(context.Context) error { return nil }},
	)
	results := r.RunAll(context.Background())
	require.Len(t, results, 3)
	assert.Equal(t, P0, results[0].Priority)
	assert.Equal(t, P1, results[1].Priority)
	assert.Equal(t, P1, results[2].Priority)
}

func TestValidateResults_P0FailureBlocksRegardlessOfAcceptWarnings(t *testing.T) {
	r := New()
	results := []CheckResult{{Name: "REASONER_CHECK", Status: StatusFail, Priority: P0}}
	assert.Error(t, r.ValidateResults(results, true))
}

func TestValidateResults_P1WarningBlockedUnlessAccepted(t *testing.T) {
	r := New()
	results := []CheckResult{{Name: "DISK_CHECK", Status: StatusWarn, Priority: P1}}
	assert.Error(t, r.ValidateResults(results, false))
	assert.NoError(t, r.ValidateResults(results, true))
}

func TestValidateResults_AllPassesReturnsNil(t *testing.T) {
	r := New()
	results := []CheckResult{{Name: "SCOPE_CHECK", Status: StatusPass, Priority: P0}}
	assert.NoError(t, r.ValidateResults(results, false))
}

func TestValidate_RunsAllThenValidates(t *testing.T) {
	r := New(&ReasonerCheck{Ping: func(context.Context) error { return errors.New("down") }})
	err := r.Validate(context.Background(), false)
	require.Error(t, err)
}

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scope.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}
