package run

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/conveyorhq/conveyor/internal/phase"
)

// ErrNotFound is returned for unknown run IDs.
var ErrNotFound = errors.New("run not found")

// ErrVersionConflict is returned when a commit loses an optimistic race:
// the on-disk state advanced past the version the caller loaded.
var ErrVersionConflict = errors.New("run state version conflict")

// Store manages run state on disk. Layout under baseDir:
//
//	<run-id>/run.json                         aggregate state
//	<run-id>/artifacts/<phase>-r<rev>.json    every artifact revision
//	<run-id>/reviews/<phase>-r<rev>.json      verdict + findings per pass
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.conveyor/runs, creating the directory
// if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".conveyor", "runs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) runDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Store) statePath(id string) string {
	return filepath.Join(s.runDir(id), "run.json")
}

func (s *Store) artifactPath(id string, p phase.Phase, rev int) string {
	return filepath.Join(s.runDir(id), "artifacts", fmt.Sprintf("%s-r%d.json", p, rev))
}

func (s *Store) reviewPath(id string, p phase.Phase, rev int) string {
	return filepath.Join(s.runDir(id), "reviews", fmt.Sprintf("%s-r%d.json", p, rev))
}

// Create persists a fresh run.
func (s *Store) Create(st *RunState) error {
	dir := s.runDir(st.ID)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("run %s already exists", st.ID)
	}
	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0o755); err != nil {
		return fmt.Errorf("mkdir artifacts: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "reviews"), 0o755); err != nil {
		return fmt.Errorf("mkdir reviews: %w", err)
	}
	return writeJSON(s.statePath(st.ID), st)
}

// Get reads the current run state.
func (s *Store) Get(id string) (*RunState, error) {
	var st RunState
	if err := readJSON(s.statePath(id), &st); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	st.normalize()
	return &st, nil
}

// Commit writes st back as one atomic unit, guarded by an optimistic
// version check: the on-disk version must still equal the version st was
// loaded with. On success st's version is bumped.
func (s *Store) Commit(st *RunState) error {
	onDisk, err := s.Get(st.ID)
	if err != nil {
		return err
	}
	if onDisk.Version != st.Version {
		return fmt.Errorf("%w: run %s loaded v%d, on disk v%d",
			ErrVersionConflict, st.ID, st.Version, onDisk.Version)
	}
	st.Version++
	st.UpdatedAt = time.Now().UTC()
	if err := writeJSON(s.statePath(st.ID), st); err != nil {
		return err
	}
	return nil
}

// List returns all runs, newest first, optionally filtered by status.
// Pass "" to return all runs.
func (s *Store) List(statusFilter Status) ([]RunState, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var runs []RunState
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		st, err := s.Get(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		if statusFilter == "" || st.Status == statusFilter {
			runs = append(runs, *st)
		}
	}

	// ULIDs sort lexicographically by creation time.
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].ID > runs[j].ID
	})
	return runs, nil
}

// FindByToken locates the escalated run holding a suspension token.
func (s *Store) FindByToken(token string) (*RunState, error) {
	runs, err := s.List("")
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].Escalation != nil && runs[i].Escalation.Token == token {
			return &runs[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no run holds token %s", ErrNotFound, token)
}

// SaveArtifact persists one artifact revision. Revisions are never
// overwritten; a regeneration writes the next revision file.
func (s *Store) SaveArtifact(a Artifact) error {
	return writeJSON(s.artifactPath(a.RunID, a.Phase, a.Revision), a)
}

// GetArtifact reads one artifact revision.
func (s *Store) GetArtifact(id string, p phase.Phase, rev int) (*Artifact, error) {
	var a Artifact
	if err := readJSON(s.artifactPath(id, p, rev), &a); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: artifact %s/%s r%d", ErrNotFound, id, p, rev)
		}
		return nil, err
	}
	return &a, nil
}

// SaveReview persists the verdict and findings of one review pass for the
// external durability boundary.
func (s *Store) SaveReview(id string, pass ReviewPass) error {
	return writeJSON(s.reviewPath(id, pass.Phase, pass.Revision), pass)
}

// GetReview reads one persisted review pass.
func (s *Store) GetReview(id string, p phase.Phase, rev int) (*ReviewPass, error) {
	var pass ReviewPass
	if err := readJSON(s.reviewPath(id, p, rev), &pass); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: review %s/%s r%d", ErrNotFound, id, p, rev)
		}
		return nil, err
	}
	return &pass, nil
}

// Delete removes all data for a run.
func (s *Store) Delete(id string) error {
	dir := s.runDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return os.RemoveAll(dir)
}
