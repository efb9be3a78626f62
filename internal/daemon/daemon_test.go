package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labelops/internal/config"
	"labelops/internal/pipeline"
)

type fakeBatchRunner struct {
	mu         sync.Mutex
	inFlight   int
	maxSeen    int
	order      []string
	delay      time.Duration
	failInputs map[string]error
}

func (f *fakeBatchRunner) Run(_ context.Context, _ config.Settings, req pipeline.Request) (pipeline.BatchResult, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.order = append(f.order, filepath.Base(req.InputFiles[0]))
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if err, ok := f.failInputs[filepath.Base(req.InputFiles[0])]; ok {
		return pipeline.BatchResult{}, err
	}
	return pipeline.BatchResult{ClientID: req.ClientID, BatchID: "test-batch", RecordCount: 1}, nil
}

func (f *fakeBatchRunner) processedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

func testWatch(t *testing.T) ClientWatch {
	t.Helper()
	base := t.TempDir()
	return ClientWatch{
		ClientID: "client_01",
		Settings: config.Settings{
			ClientID: "client_01",
			Folders: config.Folders{
				InTxt:    filepath.Join(base, "IN_TXT"),
				Archive:  filepath.Join(base, "ARCHIVE"),
				Failures: filepath.Join(base, "FAILURES"),
			},
		},
	}
}

func dropFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestProcessPathArchivesOnSuccess(t *testing.T) {
	watch := testWatch(t)
	fake := &fakeBatchRunner{}
	d := New(nil, fake, []ClientWatch{watch}, Options{MaxRisk: "low"})

	path := dropFile(t, watch.Settings.Folders.InTxt, "batch.txt", "Jane Doe\n1 The Green\nLS1 4AP")
	d.processPath(context.Background(), path)

	assert.NoFileExists(t, path)
	assert.FileExists(t, filepath.Join(watch.Settings.Folders.Archive, "batch.txt"))
	assert.Equal(t, []string{"batch.txt"}, fake.processedNames())
}

func TestProcessPathQuarantinesOnFailure(t *testing.T) {
	watch := testWatch(t)
	fake := &fakeBatchRunner{failInputs: map[string]error{"bad.txt": errors.New("no valid records")}}
	d := New(nil, fake, []ClientWatch{watch}, Options{MaxRisk: "low"})

	path := dropFile(t, watch.Settings.Folders.InTxt, "bad.txt", "gibberish")
	d.processPath(context.Background(), path)

	assert.NoFileExists(t, path)
	assert.FileExists(t, filepath.Join(watch.Settings.Folders.Failures, "bad.txt"))

	detail, err := os.ReadFile(filepath.Join(watch.Settings.Folders.Failures, "bad.error.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(detail), "no valid records")
	assert.Contains(t, string(detail), "client_01")
}

func TestProcessPathSkipsDuplicates(t *testing.T) {
	watch := testWatch(t)
	fake := &fakeBatchRunner{}
	d := New(nil, fake, []ClientWatch{watch}, Options{MaxRisk: "low"})

	path := dropFile(t, watch.Settings.Folders.InTxt, "batch.txt", "content")
	d.processPath(context.Background(), path)
	d.processPath(context.Background(), path)

	assert.Len(t, fake.processedNames(), 1)
}

func TestProcessPathUnknownFolderIgnored(t *testing.T) {
	watch := testWatch(t)
	fake := &fakeBatchRunner{}
	d := New(nil, fake, []ClientWatch{watch}, Options{MaxRisk: "low"})

	stray := dropFile(t, t.TempDir(), "stray.txt", "content")
	d.processPath(context.Background(), stray)

	assert.Empty(t, fake.processedNames())
	assert.FileExists(t, stray)
}

func TestMoveWithCollisionSuffix(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	first := dropFile(t, src, "batch.txt", "one")
	moved, err := moveWithCollisionSuffix(first, dst)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dst, "batch.txt"), moved)

	second := dropFile(t, src, "batch.txt", "two")
	movedAgain, err := moveWithCollisionSuffix(second, dst)
	require.NoError(t, err)
	assert.NotEqual(t, moved, movedAgain)
	assert.True(t, strings.HasPrefix(filepath.Base(movedAgain), "batch_"))
	assert.True(t, strings.HasSuffix(movedAgain, ".txt"))

	content, err := os.ReadFile(moved)
	require.NoError(t, err)
	assert.Equal(t, "one", string(content))
}

// Files present at startup are processed strictly one at a time.
func TestStartProcessesSequentially(t *testing.T) {
	watch := testWatch(t)
	fake := &fakeBatchRunner{delay: 50 * time.Millisecond}
	d := New(nil, fake, []ClientWatch{watch}, Options{MaxRisk: "low"})

	require.NoError(t, os.MkdirAll(watch.Settings.Folders.InTxt, 0o755))
	dropFile(t, watch.Settings.Folders.InTxt, "a.txt", "first")
	dropFile(t, watch.Settings.Folders.InTxt, "b.txt", "second")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, d.Start(ctx))

	require.Eventually(t, func() bool {
		return len(fake.processedNames()) == 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	d.Stop()

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, 1, fake.maxSeen)
	assert.FileExists(t, filepath.Join(watch.Settings.Folders.Archive, "a.txt"))
	assert.FileExists(t, filepath.Join(watch.Settings.Folders.Archive, "b.txt"))
}

func TestIsWatchableTxt(t *testing.T) {
	assert.True(t, isWatchableTxt("/in/batch.txt"))
	assert.True(t, isWatchableTxt("/in/BATCH.TXT"))
	assert.False(t, isWatchableTxt("/in/batch.txt.tmp"))
	assert.False(t, isWatchableTxt("/in/batch.part"))
	assert.False(t, isWatchableTxt("/in/.hidden.txt"))
	assert.False(t, isWatchableTxt("/in/~batch.txt"))
	assert.False(t, isWatchableTxt("/in/notes.md"))
}
