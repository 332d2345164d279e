package manifest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deribitArchiver/internal/domain"
	"deribitArchiver/internal/ports"
)

// mockLogger implements ports.Logger for testing
type mockLogger struct {
	warnMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.warnMsgs = append(m.warnMsgs, msg)
}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// lineInspector counts lines and reports a fixed time range.
type lineInspector struct{}

func (lineInspector) Inspect(path string) (int64, *domain.TimestampRange, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}
	var n int64
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return n, &domain.TimestampRange{Min: t, Max: t.Add(time.Hour)}, nil
}

func setup(t *testing.T) (*Manifest, string, *mockLogger) {
	t.Helper()
	root := t.TempDir()
	log := &mockLogger{}
	m, err := New(Config{Root: root, Inspector: lineInspector{}, Logger: log})
	require.NoError(t, err)
	return m, root, log
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestHashFile(t *testing.T) {
	p := writeFile(t, t.TempDir(), "a.txt", "hello")
	hash, size, err := HashFile(p)
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", hash)
	assert.Equal(t, int64(5), size)
}

func TestManifest_RoundTripAndTamperDetection(t *testing.T) {
	m, root, _ := setup(t)
	ctx := context.Background()
	p := writeFile(t, root, "BTC/trades/2024-01-01.parquet", "row1\nrow2\n")

	entry, err := m.UpdateFile(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(2), entry.RowCount)
	assert.Equal(t, int64(10), entry.SizeBytes)
	require.NoError(t, m.Save(ctx))

	reloaded, err := New(Config{Root: root, Inspector: lineInspector{}, Logger: &mockLogger{}})
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Len())
	require.NoError(t, reloaded.VerifyFile(ctx, p))

	// Same size, different bytes.
	require.NoError(t, os.WriteFile(p, []byte("row1\nrowX\n"), 0o644))
	assert.ErrorIs(t, reloaded.VerifyFile(ctx, p), ports.ErrHashMismatch)

	require.NoError(t, os.WriteFile(p, []byte("row1\n"), 0o644))
	assert.ErrorIs(t, reloaded.VerifyFile(ctx, p), ports.ErrSizeMismatch)
}

func TestManifest_DocumentLayout(t *testing.T) {
	m, root, _ := setup(t)
	ctx := context.Background()
	_, err := m.UpdateFile(ctx, writeFile(t, root, "ETH/dvol/dvol.parquet", "x\n"))
	require.NoError(t, err)
	_, err = m.UpdateFile(ctx, "BTC/trades/2024-01-02.parquet")
	require.Error(t, err, "relative key for a file that does not exist")
	_, err = m.UpdateFile(ctx, writeFile(t, root, "BTC/trades/2024-01-02.parquet", "y\n"))
	require.NoError(t, err)
	require.NoError(t, m.Save(ctx))

	data, err := os.ReadFile(filepath.Join(root, FileName))
	require.NoError(t, err)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "generatedAt")
	assert.Contains(t, doc, "rootPath")

	var files map[string]map[string]interface{}
	require.NoError(t, json.Unmarshal(doc["files"], &files))
	require.Contains(t, files, "BTC/trades/2024-01-02.parquet")
	require.Contains(t, files, "ETH/dvol/dvol.parquet")
	e := files["BTC/trades/2024-01-02.parquet"]
	for _, key := range []string{"hash", "sizeBytes", "rowCount", "timestampRange"} {
		assert.Contains(t, e, key)
	}
	assert.NoFileExists(t, filepath.Join(root, FileName+".tmp"))
}

func TestManifest_ConcurrentSaves(t *testing.T) {
	m, root, _ := setup(t)
	ctx := context.Background()

	currencies := []string{"BTC", "ETH", "SOL"}
	paths := make(map[string]string, len(currencies))
	for _, cur := range currencies {
		paths[cur] = writeFile(t, root, cur+"/trades/2024-01-01.parquet", cur+"\n")
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(currencies)*100)
	for _, cur := range currencies {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if _, err := m.UpdateFile(ctx, paths[cur]); err != nil {
					errs <- err
					continue
				}
				if err := m.Save(ctx); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	reloaded, err := New(Config{Root: root, Inspector: lineInspector{}, Logger: &mockLogger{}})
	require.NoError(t, err)
	assert.Equal(t, len(currencies), reloaded.Len())
	for _, p := range paths {
		assert.NoError(t, reloaded.VerifyFile(ctx, p))
	}
	assert.NoFileExists(t, filepath.Join(root, FileName+".tmp"))
}

func TestManifest_RelativeAndAbsolutePathsShareKey(t *testing.T) {
	m, root, _ := setup(t)
	ctx := context.Background()
	abs := writeFile(t, root, "BTC/trades/2024-01-01.parquet", "a\n")

	_, err := m.UpdateFile(ctx, abs)
	require.NoError(t, err)
	_, err = m.UpdateFile(ctx, "BTC/trades/2024-01-01.parquet")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	_, ok := m.Entry("BTC/trades/2024-01-01.parquet")
	assert.True(t, ok)

	_, err = m.UpdateFile(ctx, filepath.Join(root, "..", "outside.parquet"))
	assert.ErrorIs(t, err, ports.ErrInvalidRequest)
}

func TestManifest_VerifyAllContinuesPastFailures(t *testing.T) {
	m, root, _ := setup(t)
	ctx := context.Background()

	good := writeFile(t, root, "BTC/trades/2024-01-01.parquet", "a\n")
	missing := writeFile(t, root, "BTC/trades/2024-01-02.parquet", "b\n")
	tampered := writeFile(t, root, "BTC/trades/2024-01-03.parquet", "c\n")
	for _, p := range []string{good, missing, tampered} {
		_, err := m.UpdateFile(ctx, p)
		require.NoError(t, err)
	}

	require.NoError(t, os.Remove(missing))
	require.NoError(t, os.WriteFile(tampered, []byte("C\n"), 0o644))

	report := m.VerifyAll(ctx)
	assert.Equal(t, 1, report.Passed)
	assert.Equal(t, 2, report.Failed)
	assert.Contains(t, report.FailedFiles, "BTC/trades/2024-01-02.parquet")
	assert.Contains(t, report.FailedFiles, "BTC/trades/2024-01-03.parquet")

	assert.ErrorIs(t, m.VerifyFile(ctx, missing), ports.ErrNotFound)
	assert.ErrorIs(t, m.VerifyFile(ctx, filepath.Join(root, "unknown.parquet")), ports.ErrNotInManifest)
}

func TestManifest_CorruptSnapshotStartsEmpty(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, FileName, "{ truncated")

	log := &mockLogger{}
	m, err := New(Config{Root: root, Inspector: lineInspector{}, Logger: log})
	require.NoError(t, err)
	assert.Zero(t, m.Len())
	assert.NotEmpty(t, log.warnMsgs)

	// The next save replaces the corrupt document.
	_, err = m.UpdateFile(context.Background(), writeFile(t, root, "BTC/trades/2024-01-01.parquet", "a\n"))
	require.NoError(t, err)
	require.NoError(t, m.Save(context.Background()))

	again, err := New(Config{Root: root, Inspector: lineInspector{}, Logger: &mockLogger{}})
	require.NoError(t, err)
	assert.Equal(t, 1, again.Len())
}

func TestManifest_RemoveAndTotals(t *testing.T) {
	m, root, _ := setup(t)
	ctx := context.Background()
	a := writeFile(t, root, "BTC/trades/2024-01-01.parquet", "a\nb\n")
	b := writeFile(t, root, "BTC/trades/2024-01-02.parquet", "c\n")
	for _, p := range []string{a, b} {
		_, err := m.UpdateFile(ctx, p)
		require.NoError(t, err)
	}

	files, rows, bytes := m.Totals()
	assert.Equal(t, 2, files)
	assert.Equal(t, int64(3), rows)
	assert.Equal(t, int64(6), bytes)

	assert.True(t, m.Remove(a))
	assert.False(t, m.Remove(a))
	assert.Equal(t, 1, m.Len())
}
