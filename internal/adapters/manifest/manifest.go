package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"deribitArchiver/internal/domain"
	"deribitArchiver/internal/ports"
	"deribitArchiver/internal/utils"
)

// FileName is the snapshot document stored at the catalog root.
const FileName = "manifest.json"

// document is the JSON layout of the snapshot.
type document struct {
	GeneratedAt time.Time                       `json:"generatedAt"`
	RootPath    string                          `json:"rootPath"`
	Files       map[string]domain.ManifestEntry `json:"files"`
}

// Manifest implements ports.Manifest. All entries live in memory and are
// written out as one snapshot on Save.
type Manifest struct {
	root      string
	rootAbs   string
	path      string
	inspector ports.FileInspector
	logger    ports.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]domain.ManifestEntry

	// saveMu serializes snapshot writes; it is taken before mu.
	saveMu sync.Mutex
}

// Config holds configuration for the manifest.
type Config struct {
	Root      string
	Inspector ports.FileInspector
	Logger    ports.Logger
}

// New loads the manifest under cfg.Root. A missing snapshot starts empty; a
// corrupt one is logged and also starts empty.
func New(cfg Config) (*Manifest, error) {
	if cfg.Logger == nil || cfg.Inspector == nil {
		return nil, fmt.Errorf("logger and inspector are required for manifest")
	}
	if cfg.Root == "" {
		return nil, fmt.Errorf("%w: manifest root is empty", ports.ErrConfigurationError)
	}
	rootAbs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest root %s: %v", ports.ErrConfigurationError, cfg.Root, err)
	}
	m := &Manifest{
		root:      cfg.Root,
		rootAbs:   rootAbs,
		path:      filepath.Join(cfg.Root, FileName),
		inspector: cfg.Inspector,
		logger:    cfg.Logger,
		now:       time.Now,
		entries:   make(map[string]domain.ManifestEntry),
	}
	m.Load(context.Background())
	return m, nil
}

// Path returns the snapshot file location.
func (m *Manifest) Path() string { return m.path }

// Load replaces the in-memory entries with the snapshot on disk.
func (m *Manifest) Load(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]domain.ManifestEntry)
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn(ctx, "Manifest unreadable, starting empty", map[string]interface{}{"path": m.path, "error": err.Error()})
		}
		return
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		m.logger.Warn(ctx, "Manifest corrupt, starting empty", map[string]interface{}{"path": m.path, "error": err.Error()})
		return
	}
	for k, v := range doc.Files {
		m.entries[k] = v
	}
	m.logger.Debug(ctx, "Manifest loaded", map[string]interface{}{"files": len(m.entries)})
}

// Save writes the full entry set as one snapshot, replacing the previous one atomically.
func (m *Manifest) Save(ctx context.Context) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	m.mu.Lock()
	doc := document{
		GeneratedAt: m.now().UTC(),
		RootPath:    m.root,
		Files:       make(map[string]domain.ManifestEntry, len(m.entries)),
	}
	for k, v := range m.entries {
		doc.Files[k] = v
	}
	m.mu.Unlock()

	// encoding/json sorts map keys, so entries come out ordered by path.
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest encode: %w", err)
	}
	if err := utils.WriteBytesAtomic(m.path, data); err != nil {
		return fmt.Errorf("manifest save: %w: %w", ports.ErrWriteFailed, err)
	}
	m.logger.Debug(ctx, "Manifest saved", map[string]interface{}{"files": len(doc.Files)})
	return nil
}

// relPath converts path to the slash-separated key used in the snapshot.
// Relative paths not already prefixed by the root are taken as keys.
func (m *Manifest) relPath(path string) (string, error) {
	var abs string
	switch {
	case filepath.IsAbs(path):
		abs = path
	case strings.HasPrefix(filepath.Clean(path), filepath.Clean(m.root)+string(filepath.Separator)):
		a, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ports.ErrInvalidRequest, path, err)
		}
		abs = a
	default:
		abs = filepath.Join(m.rootAbs, path)
	}
	rel, err := filepath.Rel(m.rootAbs, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside %s", ports.ErrInvalidRequest, path, m.root)
	}
	return filepath.ToSlash(rel), nil
}

func (m *Manifest) absPath(rel string) string {
	return filepath.Join(m.rootAbs, filepath.FromSlash(rel))
}

// HashFile streams path through SHA-256 and returns the hex digest and byte count.
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// UpdateFile records the current hash, size, row count and time range of path.
func (m *Manifest) UpdateFile(ctx context.Context, path string) (domain.ManifestEntry, error) {
	rel, err := m.relPath(path)
	if err != nil {
		return domain.ManifestEntry{}, err
	}
	abs := m.absPath(rel)

	hash, size, err := HashFile(abs)
	if err != nil {
		return domain.ManifestEntry{}, fmt.Errorf("manifest update %s: %w", rel, err)
	}
	rows, tsRange, err := m.inspector.Inspect(abs)
	if err != nil {
		return domain.ManifestEntry{}, fmt.Errorf("manifest update %s: %w: %w", rel, ports.ErrReadFailed, err)
	}

	entry := domain.ManifestEntry{Hash: hash, SizeBytes: size, RowCount: rows, TimestampRange: tsRange}
	m.mu.Lock()
	m.entries[rel] = entry
	m.mu.Unlock()
	return entry, nil
}

// VerifyFile recomputes size and hash of path and compares them with its entry.
func (m *Manifest) VerifyFile(ctx context.Context, path string) error {
	rel, err := m.relPath(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	entry, ok := m.entries[rel]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("verify %s: %w", rel, ports.ErrNotInManifest)
	}
	return verifyEntry(m.absPath(rel), rel, entry)
}

func verifyEntry(abs, rel string, entry domain.ManifestEntry) error {
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("verify %s: %w: file missing", rel, ports.ErrNotFound)
		}
		return fmt.Errorf("verify %s: %w", rel, err)
	}
	if info.Size() != entry.SizeBytes {
		return fmt.Errorf("verify %s: %w: expected %d bytes, found %d", rel, ports.ErrSizeMismatch, entry.SizeBytes, info.Size())
	}
	hash, _, err := HashFile(abs)
	if err != nil {
		return fmt.Errorf("verify %s: %w", rel, err)
	}
	if hash != entry.Hash {
		return fmt.Errorf("verify %s: %w", rel, ports.ErrHashMismatch)
	}
	return nil
}

// VerifyAll checks every entry and keeps going past failures.
func (m *Manifest) VerifyAll(ctx context.Context) ports.VerifyReport {
	m.mu.Lock()
	snapshot := make(map[string]domain.ManifestEntry, len(m.entries))
	for k, v := range m.entries {
		snapshot[k] = v
	}
	m.mu.Unlock()

	keys := make([]string, 0, len(snapshot))
	for k := range snapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	report := ports.VerifyReport{FailedFiles: make(map[string]string)}
	for _, rel := range keys {
		if err := verifyEntry(m.absPath(rel), rel, snapshot[rel]); err != nil {
			report.Failed++
			report.FailedFiles[rel] = err.Error()
			m.logger.Warn(ctx, "Integrity check failed", map[string]interface{}{"file": rel, "error": err.Error()})
			continue
		}
		report.Passed++
	}
	return report
}

// Remove drops the entry for path. It reports whether an entry existed.
func (m *Manifest) Remove(path string) bool {
	rel, err := m.relPath(path)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[rel]
	delete(m.entries, rel)
	return ok
}

// Entry returns the stored entry for path.
func (m *Manifest) Entry(path string) (domain.ManifestEntry, bool) {
	rel, err := m.relPath(path)
	if err != nil {
		return domain.ManifestEntry{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[rel]
	return e, ok
}

// Len returns the number of registered files.
func (m *Manifest) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Totals sums rows and bytes over all entries.
func (m *Manifest) Totals() (files int, rows int64, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		files++
		rows += e.RowCount
		bytes += e.SizeBytes
	}
	return files, rows, bytes
}
