// Package store implements the append-only decision audit log (spec §4.6): one JSON
// record per decision id, written atomically (temp file + rename) and never overwritten
// in place — updates produce a timestamped backup first. The atomic-write idiom is
// grounded on the teacher's internal/adapters/state_persistence.go (`os.Rename(tempPath,
// filePath)`), not internal/outbox/outbox.go, which only appends in place; the one-file-
// per-decision-id layout matches spec §6's "one record per decision id" requirement.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/Three-Rivers-Tech/autonomous-trader/internal/domain"
)

// ErrNotFound is returned when a decision id is not present in the store.
var ErrNotFound = errors.New("store: decision not found")

// ErrAlreadyTerminal is returned by Append when the decision already carries an outcome.
var ErrAlreadyTerminal = errors.New("store: decision already has an outcome")

// Store is an append-only, file-backed decision log. One writer goroutine at a time is
// assumed per decision id; the directory is shared but files are uniquely named.
type Store struct {
	dir string
	mu  sync.Mutex // serializes writes to guarantee linearizable Save/Append ordering
}

// New creates a Store rooted at dir, creating the directory if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Save persists a decision atomically: write to a temp file in the same directory, then
// rename. If a record already exists for this id, a timestamped backup is written first
// so no pre-existing record is ever silently overwritten.
func (s *Store) Save(d domain.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(d.ID)
	if _, err := os.Stat(path); err == nil {
		if err := s.backupLocked(path); err != nil {
			return fmt.Errorf("store: backup existing record for %s: %w", d.ID, err)
		}
	}
	return s.writeAtomicLocked(path, d)
}

// Append attaches a terminal TradeOutcome to an existing decision. It fails if the
// decision is absent or already terminal, per spec §4.6 and the append-only invariant in
// §8 ("once Append(outcome) succeeds, further Append calls for the same id fail").
func (s *Store) Append(decisionID string, outcome domain.TradeOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(decisionID)
	d, err := s.readLocked(path)
	if err != nil {
		return err
	}
	if d.Outcome != nil {
		return ErrAlreadyTerminal
	}
	if err := s.backupLocked(path); err != nil {
		return fmt.Errorf("store: backup before outcome append for %s: %w", decisionID, err)
	}
	o := outcome
	d.Outcome = &o
	return s.writeAtomicLocked(path, d)
}

// Get reads a single decision by id.
func (s *Store) Get(id string) (domain.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(s.pathFor(id))
}

// Filter narrows List results. Zero-value fields are not applied.
type Filter struct {
	Asset         *domain.AssetPair
	ApprovedOnly  bool
	RejectedOnly  bool
	Since         time.Time
}

// List returns decisions matching filter, most recent first, capped at limit (0 = no
// cap). This is a read-only scan; it never mutates stored records.
func (s *Store) List(filter Filter, limit int) ([]domain.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("store: list directory %s: %w", s.dir, err)
	}

	var out []domain.Decision
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		d, err := s.readLocked(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		if filter.Asset != nil && !d.Asset.Equal(*filter.Asset) {
			continue
		}
		if filter.ApprovedOnly && !d.Approved {
			continue
		}
		if filter.RejectedOnly && d.Approved {
			continue
		}
		if !filter.Since.IsZero() && d.Timestamp.Before(filter.Since) {
			continue
		}
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) readLocked(path string) (domain.Decision, error) {
	var d domain.Decision
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return d, ErrNotFound
		}
		return d, fmt.Errorf("store: read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &d); err != nil {
		return d, fmt.Errorf("store: decode %s: %w", path, err)
	}
	return d, nil
}

func (s *Store) writeAtomicLocked(path string, d domain.Decision) error {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode decision %s: %w", d.ID, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("store: write temp file for %s: %w", d.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: rename temp file for %s: %w", d.ID, err)
	}
	return nil
}

func (s *Store) backupLocked(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	backupPath := fmt.Sprintf("%s.%s.bak", path, time.Now().UTC().Format("20060102T150405.000000000"))
	return os.WriteFile(backupPath, b, 0o644)
}
