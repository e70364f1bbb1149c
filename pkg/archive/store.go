// Package archive keeps a content-addressed record of experiment
// decisions: the analysis that justified each automatic or manual stop,
// alongside the test definition it applied to.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zen-systems/mlroute/pkg/experiment"
)

// ErrNotFound is returned for unknown objects.
var ErrNotFound = errors.New("archive object not found")

// Ref addresses a stored object.
type Ref struct {
	Kind   string `json:"kind"`
	SHA256 string `json:"sha256"`
}

// Report records one status change of a test.
type Report struct {
	TestID     string            `json:"test_id"`
	From       experiment.Status `json:"from"`
	To         experiment.Status `json:"to"`
	Reason     string            `json:"reason,omitempty"`
	ArchivedAt time.Time         `json:"archived_at"`
	Config     Ref               `json:"config"`
	Analysis   Ref               `json:"analysis"`
	Signature  *Signature        `json:"signature,omitempty"`
}

// Store manages the archive on disk.
type Store struct {
	BasePath string
	// Signer, when set, signs every report.
	Signer *Signer

	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates the archive layout under basePath, defaulting to
// ~/.mlroute/archive.
func NewStore(basePath string) (*Store, error) {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		basePath = filepath.Join(home, ".mlroute", "archive")
	}

	dirs := []string{
		filepath.Join(basePath, "objects"),
		filepath.Join(basePath, "reports"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, err
		}
	}
	return &Store{BasePath: basePath, now: time.Now}, nil
}

// StoreObject writes obj as JSON under its SHA256, sharded by the first two
// hex characters. Identical objects share one file.
func (s *Store) StoreObject(obj any, kind string) (Ref, error) {
	data, err := json.Marshal(obj)
	if err != nil {
		return Ref{}, err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	dir := filepath.Join(s.BasePath, "objects", hash[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Ref{}, err
	}
	path := filepath.Join(dir, hash+".json")
	if _, err := os.Stat(path); err == nil {
		return Ref{Kind: kind, SHA256: hash}, nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Ref{}, err
	}
	return Ref{Kind: kind, SHA256: hash}, nil
}

// LoadObject decodes the object ref points at into out.
func (s *Store) LoadObject(ref Ref, out any) error {
	if len(ref.SHA256) < 2 || strings.ContainsAny(ref.SHA256, `/\.`) {
		return fmt.Errorf("%w: %q", ErrNotFound, ref.SHA256)
	}
	data, err := os.ReadFile(filepath.Join(s.BasePath, "objects", ref.SHA256[:2], ref.SHA256+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, ref.SHA256)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// ArchiveOutcome stores the analysis and test definition behind a
// transition and writes a report naming both.
func (s *Store) ArchiveOutcome(o experiment.Outcome) (Report, error) {
	if o.TestID == "" {
		return Report{}, errors.New("archive: outcome has no test id")
	}
	cfgRef, err := s.StoreObject(o.Config, "experiment")
	if err != nil {
		return Report{}, fmt.Errorf("store config: %w", err)
	}
	analysisRef, err := s.StoreObject(o.Analysis, "analysis")
	if err != nil {
		return Report{}, fmt.Errorf("store analysis: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	report := Report{
		TestID:     o.TestID,
		From:       o.From,
		To:         o.To,
		Reason:     o.Reason,
		ArchivedAt: s.now().UTC(),
		Config:     cfgRef,
		Analysis:   analysisRef,
	}
	if s.Signer != nil {
		if err := s.Signer.Sign(&report); err != nil {
			return Report{}, fmt.Errorf("sign report: %w", err)
		}
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return Report{}, err
	}

	// Naming: timestamp__testID.json
	filename := fmt.Sprintf("%s__%s.json", report.ArchivedAt.Format("20060102150405.000000000"), safeName(o.TestID))
	if err := os.WriteFile(filepath.Join(s.BasePath, "reports", filename), data, 0o644); err != nil {
		return Report{}, err
	}
	return report, nil
}

// Reports lists the reports for a test, oldest first. An empty testID lists
// every report.
func (s *Store) Reports(testID string) ([]Report, error) {
	entries, err := os.ReadDir(filepath.Join(s.BasePath, "reports"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	suffix := "__" + safeName(testID) + ".json"
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if testID != "" && !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]Report, 0, len(names))
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.BasePath, "reports", name))
		if err != nil {
			return nil, err
		}
		var r Report
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode %s: %w", name, err)
		}
		if testID != "" && r.TestID != testID {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
