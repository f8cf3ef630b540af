package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ghostframe/orchestrator/internal/ghosterrors"
	"github.com/ghostframe/orchestrator/internal/model"
)

func testFindings() []model.Finding {
	return []model.Finding{{
		ID:        "11111111-1111-1111-1111-111111111111",
		AgentID:   "22222222-2222-2222-2222-222222222222",
		Type:      "port_scan",
		Severity:  model.SeverityInfo,
		Target:    "example.com",
		Timestamp: "2026-01-01T00:00:00Z",
	}}
}

func TestSaveAndLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "", nil)

	agents := []model.AgentState{{AgentID: "agent-1", Phase: model.PhaseRecon}}
	path, err := s.Save(context.Background(), "eng-1", "", agents, testFindings())
	require.NoError(t, err)
	assert.FileExists(t, path)

	loaded, err := s.Load(context.Background(), "eng-1", "", true)
	require.NoError(t, err)
	assert.Equal(t, "eng-1", loaded.Metadata.EngagementID)
	assert.Len(t, loaded.Findings, 1)
	assert.NotEmpty(t, loaded.Metadata.Signature)
}

func TestLoad_DetectsTamperedSignature(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "", nil)
	path, err := s.Save(context.Background(), "eng-1", "", nil, testFindings())
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	corrupted := []byte(mustReplace(string(data), "port_scan", "rce"))
	require.NoError(t, os.WriteFile(path, corrupted, 0o644))

	_, err = s.Load(context.Background(), "eng-1", "", true)
	require.Error(t, err)
	assert.Equal(t, ghosterrors.KindIntegrity, ghosterrors.KindOf(err))
}

func mustReplace(s, old, new string) string {
	out := ""
	for {
		idx := indexOf(s, old)
		if idx < 0 {
			return out + s
		}
		out += s[:idx] + new
		s = s[idx+len(old):]
	}
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestLoad_NewerSchemaRejected(t *testing.T) {
	dir := t.TempDir()
	writer := New(dir, "2.0", nil)
	_, err := writer.Save(context.Background(), "eng-1", "", nil, nil)
	require.NoError(t, err)

	reader := New(dir, "1.0", nil)
	_, err = reader.Load(context.Background(), "eng-1", "", true)
	require.Error(t, err)
	assert.Equal(t, ghosterrors.KindSchemaVersion, ghosterrors.KindOf(err))
}

func TestLoad_OlderSchemaAccepted(t *testing.T) {
	dir := t.TempDir()
	writer := New(dir, "1.0", nil)
	_, err := writer.Save(context.Background(), "eng-1", "", nil, nil)
	require.NoError(t, err)

	reader := New(dir, "2.0", nil)
	_, err = reader.Load(context.Background(), "eng-1", "", true)
	require.NoError(t, err)
}

func TestLoad_ScopeChangeDetected(t *testing.T) {
	dir := t.TempDir()
	scopeFile := filepath.Join(dir, "scope.yaml")
	require.NoError(t, os.WriteFile(scopeFile, []byte("targets: [10.0.0.0/24]"), 0o644))

	s := New(dir, "", nil)
	_, err := s.Save(context.Background(), "eng-1", scopeFile, nil, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(scopeFile, []byte("targets: [192.168.0.0/16]"), 0o644))

	_, err = s.Load(context.Background(), "eng-1", scopeFile, true)
	require.Error(t, err)
	assert.Equal(t, ghosterrors.KindScopeChanged, ghosterrors.KindOf(err))

	loaded, err := s.Load(context.Background(), "eng-1", scopeFile, false)
	require.NoError(t, err)
	assert.Equal(t, "eng-1", loaded.Metadata.EngagementID)
}

func TestVerify_TrueForIntactFalseForMissing(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "", nil)
	path, err := s.Save(context.Background(), "eng-1", "", nil, testFindings())
	require.NoError(t, err)

	assert.True(t, s.Verify(path))
	assert.False(t, s.Verify(filepath.Join(dir, "missing.json")))
}

func TestList_FiltersEntriesWithoutCheckpoint(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "", nil)
	_, err := s.Save(context.Background(), "eng-1", "", nil, nil)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "engagements", "eng-empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "engagements", "not-a-dir"), []byte("x"), 0o644))

	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "eng-1", entries[0].ID)
}

func TestDelete_ReportsWhetherRemoved(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "", nil)
	_, err := s.Save(context.Background(), "eng-1", "", nil, nil)
	require.NoError(t, err)

	removed, err := s.Delete("eng-1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Delete("eng-1")
	require.NoError(t, err)
	assert.False(t, removed)
}
