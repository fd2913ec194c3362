// Package store persists the ingestion server's state on disk: the latest
// snapshot per client, the submission gate state, and one submission record
// per calendar date. Every write goes through an atomic tmp-then-rename
// replace, so a crash mid-write never leaves a torn file behind.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vnmchuo/usage-relay/internal/report"
)

// ErrInvalidClientID rejects client ids that are empty after trimming.
var ErrInvalidClientID = errors.New("store: client id is empty")

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

const (
	clientsDir     = "clients"
	submissionsDir = "submissions"
	stateFile      = "state.json"
)

// Store is a file-backed capture store rooted at one data directory.
type Store struct {
	dir string
}

// Open ensures the data directory layout exists and returns a store on it.
func Open(dir string) (*Store, error) {
	for _, sub := range []string{clientsDir, submissionsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", sub, err)
		}
	}
	return &Store{dir: dir}, nil
}

// Dir returns the data directory root.
func (s *Store) Dir() string {
	return s.dir
}

// SanitizeClientID trims the id and maps every character outside
// [A-Za-z0-9._-] to an underscore, so ids are always safe file names.
func SanitizeClientID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrInvalidClientID
	}
	return unsafeIDChars.ReplaceAllString(id, "_"), nil
}

// PutClientSnapshot durably replaces the snapshot stored for the client.
func (s *Store) PutClientSnapshot(id string, snap *report.ClientSnapshot) error {
	safe, err := SanitizeClientID(id)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode snapshot %s: %w", safe, err)
	}
	return writeFileAtomic(filepath.Join(s.dir, clientsDir, safe+".json"), data)
}

// ListClientSnapshots returns all stored snapshots sorted by client id.
// Unparsable files are skipped, not fatal: one corrupt upload must not
// blind the server to the rest of the fleet. The skipped count is returned
// so the status surface can report it.
func (s *Store) ListClientSnapshots() ([]*report.ClientSnapshot, int, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, clientsDir))
	if err != nil {
		return nil, 0, fmt.Errorf("store: list clients: %w", err)
	}
	var snaps []*report.ClientSnapshot
	skipped := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.dir, clientsDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.WithError(err).Warnf("store: skipping unreadable snapshot %s", entry.Name())
			skipped++
			continue
		}
		var snap report.ClientSnapshot
		if err := json.Unmarshal(data, &snap); err != nil || snap.Report == nil {
			log.Warnf("store: skipping unparsable snapshot %s", entry.Name())
			skipped++
			continue
		}
		snap.Report.Normalize()
		snaps = append(snaps, &snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ClientID < snaps[j].ClientID })
	return snaps, skipped, nil
}

// ReadState loads the submission state. A missing file is the zero state.
func (s *Store) ReadState() (*report.SubmissionState, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, stateFile))
	if errors.Is(err, os.ErrNotExist) {
		return &report.SubmissionState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read state: %w", err)
	}
	var state report.SubmissionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("store: decode state: %w", err)
	}
	return &state, nil
}

// WriteState durably replaces the submission state.
func (s *Store) WriteState(state *report.SubmissionState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode state: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.dir, stateFile), data)
}

// WriteSubmissionRecord durably writes the record for one calendar date,
// replacing any same-date record from an earlier attempt.
func (s *Store) WriteSubmissionRecord(date string, rec *report.SubmissionRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode submission record %s: %w", date, err)
	}
	return writeFileAtomic(filepath.Join(s.dir, submissionsDir, date+".json"), data)
}

// writeFileAtomic writes to a temp file in the target directory and renames
// it over the destination, so readers only ever observe complete files.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("store: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
