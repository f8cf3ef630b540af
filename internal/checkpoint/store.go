// Package checkpoint implements the Checkpoint Store: atomic,
// content-signed, scope-bound on-disk snapshots, one file per engagement
// under <base>/engagements/<id>/checkpoint.json. Modeled on Hector's
// pkg/checkpoint/storage.go write discipline (serialize, persist, verify
// on load), generalised from its session-embedded layout to the
// standalone-file layout this system needs, and on the reference
// implementation's daemon (checkpoint persistence referenced
// by test_session_manager_integration.py's stop/shutdown paths).
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/ghostframe/orchestrator/internal/ghosterrors"
	"github.com/ghostframe/orchestrator/internal/model"
)

// CurrentSchemaVersion is the schema version this build writes.
const CurrentSchemaVersion = "1.0"

// Store persists and loads engagement checkpoints under a base directory.
type Store struct {
	baseDir       string
	schemaVersion string
	log           *slog.Logger
}

// New constructs a Store rooted at baseDir. schemaVersion defaults to
// CurrentSchemaVersion when empty.
func New(baseDir, schemaVersion string, log *slog.Logger) *Store {
	if schemaVersion == "" {
		schemaVersion = CurrentSchemaVersion
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{baseDir: baseDir, schemaVersion: schemaVersion, log: log}
}

func (s *Store) engagementDir(id string) string {
	return filepath.Join(s.baseDir, "engagements", id)
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.engagementDir(id), "checkpoint.json")
}

// Save writes a new checkpoint for id via write-temp + fsync + atomic
// rename, computing a content signature over the canonical serialisation
// of metadata (signature cleared), agents, and findings. If scopePath is
// non-empty its bytes are hashed and stored alongside. Any failure removes
// the temp file and, if this call created the engagement directory, the
// directory too.
func (s *Store) Save(ctx context.Context, id, scopePath string, agents []model.AgentState, findings []model.Finding) (path string, err error) {
	dir := s.engagementDir(id)
	dirExisted := dirExists(dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", ghosterrors.New(ghosterrors.KindIntegrity, "save", fmt.Errorf("create engagement dir: %w", err))
	}
	defer func() {
		if err != nil && !dirExisted {
			_ = os.RemoveAll(dir)
		}
	}()

	var scopeHash string
	if scopePath != "" {
		scopeHash, err = hashFile(scopePath)
		if err != nil {
			return "", ghosterrors.New(ghosterrors.KindIntegrity, "save", fmt.Errorf("hash scope file: %w", err))
		}
	}

	metadata := model.CheckpointMetadata{
		EngagementID:  id,
		SchemaVersion: s.schemaVersion,
		CreatedAt:     time.Now().UTC(),
		ScopeHash:     scopeHash,
	}
	metadata.Signature = signature(metadata, agents, findings)

	cp := model.Checkpoint{Metadata: metadata, Agents: agents, Findings: findings}
	data, marshalErr := json.MarshalIndent(cp, "", "  ")
	if marshalErr != nil {
		err = ghosterrors.New(ghosterrors.KindIntegrity, "save", fmt.Errorf("encode checkpoint: %w", marshalErr))
		return "", err
	}

	target := s.pathFor(id)
	pf, openErr := renameio.TempFile("", target)
	if openErr != nil {
		err = ghosterrors.New(ghosterrors.KindIntegrity, "save", fmt.Errorf("create temp file: %w", openErr))
		return "", err
	}
	defer pf.Cleanup()

	if _, writeErr := pf.Write(data); writeErr != nil {
		err = ghosterrors.New(ghosterrors.KindIntegrity, "save", fmt.Errorf("write temp file: %w", writeErr))
		return "", err
	}
	if closeErr := pf.CloseAtomicallyReplace(); closeErr != nil {
		err = ghosterrors.New(ghosterrors.KindIntegrity, "save", fmt.Errorf("atomic rename: %w", closeErr))
		return "", err
	}

	return target, nil
}

// Load opens id's checkpoint, verifying schema compatibility, content
// signature, and (if requested and a prior scope hash exists) that the
// scope file at scopePath still hashes to the stored value.
func (s *Store) Load(ctx context.Context, id, scopePath string, verifyScope bool) (*model.Checkpoint, error) {
	path := s.pathFor(id)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ghosterrors.New(ghosterrors.KindNotFound, "load", fmt.Errorf("no checkpoint for engagement %s: %w", id, err))
	}

	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, ghosterrors.New(ghosterrors.KindIntegrity, "load", fmt.Errorf("decode checkpoint: %w", err))
	}

	switch compareVersions(cp.Metadata.SchemaVersion, s.schemaVersion) {
	case 1:
		return nil, ghosterrors.New(ghosterrors.KindSchemaVersion, "load", fmt.Errorf("checkpoint schema %s is newer than supported %s", cp.Metadata.SchemaVersion, s.schemaVersion))
	case -1:
		s.log.Info("loading checkpoint with older schema, upgrade available", "stored", cp.Metadata.SchemaVersion, "current", s.schemaVersion)
	}

	stored := cp.Metadata.Signature
	cp.Metadata.Signature = ""
	recomputed := signature(cp.Metadata, cp.Agents, cp.Findings)
	cp.Metadata.Signature = stored
	if recomputed != stored {
		return nil, ghosterrors.New(ghosterrors.KindIntegrity, "load", fmt.Errorf("content signature mismatch for engagement %s", id))
	}

	if verifyScope && cp.Metadata.ScopeHash != "" && scopePath != "" && fileExists(scopePath) {
		currentHash, err := hashFile(scopePath)
		if err != nil {
			return nil, ghosterrors.New(ghosterrors.KindIntegrity, "load", fmt.Errorf("hash scope file: %w", err))
		}
		if currentHash != cp.Metadata.ScopeHash {
			return nil, ghosterrors.New(ghosterrors.KindScopeChanged, "load", fmt.Errorf("scope file %s no longer matches the checkpointed scope", scopePath))
		}
	}

	return &cp, nil
}

// Verify performs a quick integrity check without the caller needing the
// result; any error (missing file, bad JSON, signature mismatch) is
// swallowed and reported as false.
func (s *Store) Verify(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return false
	}
	stored := cp.Metadata.Signature
	cp.Metadata.Signature = ""
	recomputed := signature(cp.Metadata, cp.Agents, cp.Findings)
	return recomputed == stored
}

// Entry is one row of list()'s result.
type Entry struct {
	ID   string
	Path string
}

// List returns every engagement with a checkpoint file, ignoring
// directory entries that are not directories or lack one.
func (s *Store) List() ([]Entry, error) {
	root := filepath.Join(s.baseDir, "engagements")
	dirEntries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, ghosterrors.New(ghosterrors.KindIntegrity, "list", err)
	}

	var out []Entry
	for _, entry := range dirEntries {
		if !entry.IsDir() {
			continue
		}
		path := s.pathFor(entry.Name())
		if fileExists(path) {
			out = append(out, Entry{ID: entry.Name(), Path: path})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Delete removes id's checkpoint file, reporting whether anything was
// removed.
func (s *Store) Delete(id string) (bool, error) {
	path := s.pathFor(id)
	if !fileExists(path) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, ghosterrors.New(ghosterrors.KindIntegrity, "delete", err)
	}
	return true, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// signature computes the content signature over a canonical
// serialisation of metadata (with Signature always excluded), agents,
// and findings. encoding/json already emits map keys in sorted order,
// which combined with Checkpoint's fixed struct field order gives a
// stable, reproducible byte sequence.
func signature(metadata model.CheckpointMetadata, agents []model.AgentState, findings []model.Finding) string {
	metadata.Signature = ""
	payload := struct {
		Metadata model.CheckpointMetadata `json:"metadata"`
		Agents   []model.AgentState       `json:"agents"`
		Findings []model.Finding          `json:"findings"`
	}{metadata, agents, findings}
	data, _ := json.Marshal(payload)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// compareVersions compares two dotted version strings, returning -1, 0,
// or 1. Non-numeric or short segments compare as 0.
func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv int
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
