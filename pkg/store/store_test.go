package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/entry"
	"lsmkv/pkg/persistance"
	"lsmkv/pkg/wal"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTimeProvider implements iTimeProvider for testing
type mockTimeProvider struct {
	now atomic.Int64
}

func newMockTimeProvider(epochSeconds int64) *mockTimeProvider {
	tp := &mockTimeProvider{}
	tp.now.Store(epochSeconds)
	return tp
}

func (m *mockTimeProvider) Now() time.Time {
	return time.Unix(m.now.Load(), 0)
}

func (m *mockTimeProvider) Advance() {
	m.now.Add(1)
}

func testConfig(dir string) config.DB {
	cfg := config.DefaultDB()
	cfg.Path = dir
	cfg.LoadMode = config.LoadModeLoad
	// flush on demand only
	cfg.Memtable.FlushThresholdBytes = 1
	cfg.Segment.LevelFlushThresholdBytes = 1 << 30
	cfg.Compactor.Interval = time.Hour
	return cfg
}

func openStore(t *testing.T, cfg config.DB, tp iTimeProvider) *Store {
	t.Helper()
	s, err := New(&cfg, tp)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestStore(t *testing.T, mutate ...func(*config.DB)) (*Store, *mockTimeProvider, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig(dir)
	for _, m := range mutate {
		m(&cfg)
	}
	tp := newMockTimeProvider(1_700_000_000)
	return openStore(t, cfg, tp), tp, dir
}

func requireValue(t *testing.T, s *Store, key, want string) {
	t.Helper()
	got, ok, err := s.Read(key)
	require.NoError(t, err)
	require.True(t, ok, "key %q not found", key)
	assert.Equal(t, want, got)
}

func requireAbsent(t *testing.T, s *Store, key string) {
	t.Helper()
	_, ok, err := s.Read(key)
	require.NoError(t, err)
	assert.False(t, ok, "key %q should be absent", key)
}

func levelEntries(t *testing.T, s *Store, level int) []entry.Entry {
	t.Helper()
	view := s.states.CurrentState()
	defer view.Release()

	var all []entry.Entry
	for _, seg := range view.Segments().SegmentsInLevel(level) {
		entries, err := seg.ReadAll(context.Background())
		require.NoError(t, err)
		all = append(all, entries...)
	}
	return all
}

func levelSegments(s *Store, level int) []*persistance.Segment {
	view := s.states.CurrentState()
	defer view.Release()
	return view.Segments().SegmentsInLevel(level)
}

func TestStore_WriteRead(t *testing.T) {
	s, _, _ := newTestStore(t)

	require.NoError(t, s.Write("key1", "value1"))
	requireValue(t, s, "key1", "value1")
	requireAbsent(t, s, "missing")
}

func TestStore_Delete(t *testing.T) {
	s, tp, _ := newTestStore(t)

	require.NoError(t, s.Write("key1", "value1"))
	tp.Advance()
	require.NoError(t, s.Delete("key1"))
	requireAbsent(t, s, "key1")

	require.NoError(t, s.Compact(context.Background()))
	requireAbsent(t, s, "key1")
}

func TestStore_EmptyValueIsNotADelete(t *testing.T) {
	s, _, _ := newTestStore(t)

	require.NoError(t, s.Write("empty", ""))
	requireValue(t, s, "empty", "")

	require.NoError(t, s.Compact(context.Background()))
	requireValue(t, s, "empty", "")
}

func TestStore_EmptyKeyRejected(t *testing.T) {
	s, _, _ := newTestStore(t)

	assert.ErrorIs(t, s.Write("", "v"), dberrors.ErrInvalidArgument)
	assert.ErrorIs(t, s.Delete(""), dberrors.ErrInvalidArgument)
	_, _, err := s.Read("")
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestStore_LastWriterWinsAcrossCompactions(t *testing.T) {
	s, tp, _ := newTestStore(t, func(c *config.DB) {
		c.Segment.LevelFlushThresholdBytes = 64
	})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		require.NoError(t, s.Write("k", fmt.Sprintf("v%d", i)))
		require.NoError(t, s.Write(fmt.Sprintf("filler-%d", i), "x"))
		tp.Advance()
		if i%3 == 0 {
			require.NoError(t, s.Compact(ctx))
		}
		requireValue(t, s, "k", fmt.Sprintf("v%d", i))
	}

	require.NoError(t, s.Compact(ctx))
	requireValue(t, s, "k", "v19")
}

func TestStore_FlushDoesNotChangeReads(t *testing.T) {
	s, tp, _ := newTestStore(t)

	keys := map[string]string{"a": "1", "b": "2", "c": ""}
	for k, v := range keys {
		require.NoError(t, s.Write(k, v))
	}
	tp.Advance()
	require.NoError(t, s.Delete("c"))

	before := map[string]bool{}
	for k := range keys {
		_, ok, err := s.Read(k)
		require.NoError(t, err)
		before[k] = ok
	}

	require.NoError(t, s.Compact(context.Background()))
	require.Len(t, levelSegments(s, 0), 1)

	for k, v := range keys {
		got, ok, err := s.Read(k)
		require.NoError(t, err)
		assert.Equal(t, before[k], ok, k)
		if ok {
			assert.Equal(t, v, got)
		}
	}
}

func TestStore_FlushScenario(t *testing.T) {
	s, _, dir := newTestStore(t, func(c *config.DB) {
		c.Memtable.FlushThresholdBytes = 20
	})

	require.NoError(t, s.Write("a", "1"))
	require.NoError(t, s.Compact(context.Background()))
	assert.Empty(t, levelSegments(s, 0), "memtable below threshold must not flush")

	require.NoError(t, s.Write("b", "2"))
	require.NoError(t, s.Compact(context.Background()))

	segs := levelSegments(s, 0)
	require.Len(t, segs, 1)
	assert.FileExists(t, filepath.Join(dir, persistance.SegmentFileName(segs[0].Number())))

	entries := levelEntries(t, s, 0)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].Key)
	assert.Equal(t, "1", entries[0].Value)
	assert.Equal(t, "b", entries[1].Key)
	assert.Equal(t, "2", entries[1].Value)

	requireValue(t, s, "a", "1")
	requireValue(t, s, "b", "2")
	requireAbsent(t, s, "c")

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.MemtableEntries)
	require.Len(t, stats.Levels, 1)
	assert.Equal(t, 1, stats.Levels[0].Segments)
}

func TestStore_LevelZeroCompactionScenario(t *testing.T) {
	// one segment holding x=old or x=new is 36 bytes
	s, tp, _ := newTestStore(t, func(c *config.DB) {
		c.Segment.LevelFlushThresholdBytes = 72
	})
	ctx := context.Background()

	require.NoError(t, s.Write("x", "old"))
	require.NoError(t, s.Compact(ctx))
	tp.Advance()
	require.NoError(t, s.Write("x", "new"))
	require.NoError(t, s.Compact(ctx))

	assert.Empty(t, levelSegments(s, 0))
	entries := levelEntries(t, s, 1)
	require.Len(t, entries, 1)
	assert.Equal(t, "x", entries[0].Key)
	assert.Equal(t, "new", entries[0].Value)

	requireValue(t, s, "x", "new")
}

func TestStore_SameSecondWritesKeepNewest(t *testing.T) {
	s, _, _ := newTestStore(t, func(c *config.DB) {
		c.Segment.LevelFlushThresholdBytes = 72
	})
	ctx := context.Background()

	// no clock advance: both entries carry the same timestamp
	require.NoError(t, s.Write("x", "old"))
	require.NoError(t, s.Compact(ctx))
	require.NoError(t, s.Write("x", "new"))
	require.NoError(t, s.Compact(ctx))

	requireValue(t, s, "x", "new")
}

func TestStore_CompactionRetiresFiles(t *testing.T) {
	s, tp, dir := newTestStore(t, func(c *config.DB) {
		c.Segment.LevelFlushThresholdBytes = 72
	})
	ctx := context.Background()

	walsBefore, err := wal.Paths(dir)
	require.NoError(t, err)
	require.Len(t, walsBefore, 1)

	require.NoError(t, s.Write("x", "old"))
	require.NoError(t, s.Compact(ctx))
	first := levelSegments(s, 0)[0]

	walsAfter, err := wal.Paths(dir)
	require.NoError(t, err)
	require.Len(t, walsAfter, 1)
	assert.NotEqual(t, walsBefore[0], walsAfter[0], "flushed WAL must be replaced")
	assert.NoFileExists(t, walsBefore[0])

	tp.Advance()
	require.NoError(t, s.Write("x", "new"))
	require.NoError(t, s.Compact(ctx))

	assert.NoFileExists(t, first.Path())
	assert.NoFileExists(t, filepath.Join(dir, persistance.IndexFileName(first.Number())))

	paths, err := persistance.SegmentPaths(dir)
	require.NoError(t, err)
	assert.Len(t, paths, 1)
}

func TestStore_TombstonesDroppedAtDeepestLevel(t *testing.T) {
	s, tp, dir := newTestStore(t, func(c *config.DB) {
		c.Segment.LevelFlushThresholdBytes = 1
	})
	ctx := context.Background()

	require.NoError(t, s.Write("k", "v"))
	require.NoError(t, s.Compact(ctx))
	require.Len(t, levelEntries(t, s, 1), 1)

	tp.Advance()
	require.NoError(t, s.Delete("k"))
	require.NoError(t, s.Compact(ctx))

	requireAbsent(t, s, "k")
	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Empty(t, stats.Levels, "an all-tombstone merge at the deepest level leaves nothing")

	paths, err := persistance.SegmentPaths(dir)
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestStore_BloomFilterSoundness(t *testing.T) {
	s, _, _ := newTestStore(t)

	for i := 0; i < 500; i++ {
		require.NoError(t, s.Write(fmt.Sprintf("present-%d", i), "v"))
	}
	require.NoError(t, s.Compact(context.Background()))

	for i := 0; i < 500; i++ {
		requireValue(t, s, fmt.Sprintf("present-%d", i), "v")
		requireAbsent(t, s, fmt.Sprintf("absent-%d", i))
	}
}

func TestStore_ConcurrentWritersDistinctKeys(t *testing.T) {
	s, _, _ := newTestStore(t, func(c *config.DB) {
		c.Memtable.FlushThresholdBytes = 512
		c.Segment.LevelFlushThresholdBytes = 2048
	})
	ctx := context.Background()

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				assert.NoError(t, s.Write(fmt.Sprintf("w%d-k%d", w, i), fmt.Sprintf("v%d", i)))
			}
		}()
	}

	// compaction races the writers
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			if err := s.Compact(ctx); err != nil {
				assert.ErrorIs(t, err, dberrors.ErrCompactionRunning)
			}
		}
	}()
	wg.Wait()
	<-done

	for w := 0; w < writers; w++ {
		for i := 0; i < perWriter; i++ {
			requireValue(t, s, fmt.Sprintf("w%d-k%d", w, i), fmt.Sprintf("v%d", i))
		}
	}
}

func TestStore_ConcurrentWritersSameKey(t *testing.T) {
	s, _, _ := newTestStore(t)

	const writers = 16
	written := make(map[string]bool, writers)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		value := fmt.Sprintf("value-from-writer-%02d", w)
		written[value] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Write("shared", value))
		}()
	}
	wg.Wait()

	got, ok, err := s.Read("shared")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, written[got], "unexpected value %q", got)

	require.NoError(t, s.Compact(context.Background()))
	requireValue(t, s, "shared", got)
}

func TestStore_SegmentImmutability(t *testing.T) {
	s, tp, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Write("a", "1"))
	require.NoError(t, s.Compact(ctx))
	seg := levelSegments(s, 0)[0]

	before, err := os.ReadFile(seg.Path())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		tp.Advance()
		require.NoError(t, s.Write("a", fmt.Sprintf("%d", i+2)))
		require.NoError(t, s.Compact(ctx))
	}

	after, err := os.ReadFile(seg.Path())
	require.NoError(t, err)
	assert.Equal(t, before, after)

	e, ok, err := seg.ReadEntry(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", e.Value)
	requireValue(t, s, "a", "6")
}

func TestStore_ReloadRestoresState(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.Segment.LevelFlushThresholdBytes = 100
	tp := newMockTimeProvider(1_700_000_000)
	ctx := context.Background()

	s, err := New(&cfg, tp)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Write(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i)))
		require.NoError(t, s.Compact(ctx))
		tp.Advance()
	}
	require.NoError(t, s.Delete("k3"))
	require.NoError(t, s.Compact(ctx))
	tp.Advance()
	// left in the WAL only
	require.NoError(t, s.Write("k5", "rewritten"))
	require.NoError(t, s.Write("fresh", "yes"))
	require.NoError(t, s.Close())

	reopened := openStore(t, cfg, tp)
	for i := 0; i < 10; i++ {
		switch i {
		case 3:
			requireAbsent(t, reopened, "k3")
		case 5:
			requireValue(t, reopened, "k5", "rewritten")
		default:
			requireValue(t, reopened, fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
		}
	}
	requireValue(t, reopened, "fresh", "yes")

	// numbering continues past what is on disk
	tp.Advance()
	require.NoError(t, reopened.Write("after", "reload"))
	require.NoError(t, reopened.Compact(ctx))
	requireValue(t, reopened, "after", "reload")
	requireValue(t, reopened, "fresh", "yes")
}

func TestStore_ReloadReplaysEveryWAL(t *testing.T) {
	dir := t.TempDir()
	older, err := wal.Open(filepath.Join(dir, wal.FileName(3)))
	require.NoError(t, err)
	require.NoError(t, older.Append(entry.New(10, "a", "old")))
	require.NoError(t, older.Append(entry.New(10, "b", "kept")))
	require.NoError(t, older.Close())

	newer, err := wal.Open(filepath.Join(dir, wal.FileName(7)))
	require.NoError(t, err)
	require.NoError(t, newer.Append(entry.New(11, "a", "new")))
	require.NoError(t, newer.Close())

	s := openStore(t, testConfig(dir), newMockTimeProvider(12))
	requireValue(t, s, "a", "new")
	requireValue(t, s, "b", "kept")

	require.NoError(t, s.Compact(context.Background()))
	paths, err := wal.Paths(dir)
	require.NoError(t, err)
	require.Len(t, paths, 1)
	n, ok := wal.ParseFileNumber(paths[0])
	require.True(t, ok)
	assert.Greater(t, n, uint64(7))
}

func TestStore_TruncateMode(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	tp := newMockTimeProvider(1_700_000_000)

	s, err := New(&cfg, tp)
	require.NoError(t, err)
	require.NoError(t, s.Write("flushed", "1"))
	require.NoError(t, s.Compact(context.Background()))
	require.NoError(t, s.Write("logged", "2"))
	require.NoError(t, s.Close())

	cfg.LoadMode = config.LoadModeTruncate
	reopened := openStore(t, cfg, tp)
	requireAbsent(t, reopened, "flushed")
	requireAbsent(t, reopened, "logged")

	paths, err := persistance.SegmentPaths(dir)
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestStore_LoadFailsOnSegmentWithoutIndex(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	tp := newMockTimeProvider(1_700_000_000)

	s, err := New(&cfg, tp)
	require.NoError(t, err)
	require.NoError(t, s.Write("a", "1"))
	require.NoError(t, s.Compact(context.Background()))
	seg := levelSegments(s, 0)[0]
	require.NoError(t, s.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, persistance.IndexFileName(seg.Number()))))

	_, err = New(&cfg, tp)
	assert.ErrorIs(t, err, dberrors.ErrLoad)
}

func TestStore_LoadCleansUpInterruptedWrites(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	tp := newMockTimeProvider(1_700_000_000)

	s, err := New(&cfg, tp)
	require.NoError(t, err)
	require.NoError(t, s.Write("a", "1"))
	require.NoError(t, s.Compact(context.Background()))
	seg := levelSegments(s, 0)[0]
	require.NoError(t, s.Close())

	orphan := filepath.Join(dir, persistance.IndexFileName(seg.Number()+100))
	data, err := os.ReadFile(filepath.Join(dir, persistance.IndexFileName(seg.Number())))
	require.NoError(t, err)
	// a different segment number inside the file keeps the index loadable
	copy(data[4:12], []byte{byte(seg.Number() + 100), 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, os.WriteFile(orphan, data, 0600))
	tmp := filepath.Join(dir, persistance.SegmentFileName(seg.Number()+101)+".tmp")
	require.NoError(t, os.WriteFile(tmp, []byte("partial"), 0600))

	reopened := openStore(t, cfg, tp)
	requireValue(t, reopened, "a", "1")
	assert.NoFileExists(t, orphan)
	assert.NoFileExists(t, tmp)
}

func TestStore_LoadRemovesOrphanIndexByItsOwnPath(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	tp := newMockTimeProvider(1_700_000_000)

	s, err := New(&cfg, tp)
	require.NoError(t, err)
	require.NoError(t, s.Write("a", "1"))
	require.NoError(t, s.Compact(context.Background()))
	seg := levelSegments(s, 0)[0]
	require.NoError(t, s.Close())

	data, err := os.ReadFile(filepath.Join(dir, persistance.IndexFileName(seg.Number())))
	require.NoError(t, err)
	// header claims segment N+100 while the file is named after N+200
	binary.LittleEndian.PutUint64(data[4:12], seg.Number()+100)
	orphan := filepath.Join(dir, persistance.IndexFileName(seg.Number()+200))
	require.NoError(t, os.WriteFile(orphan, data, 0600))

	reopened := openStore(t, cfg, tp)
	requireValue(t, reopened, "a", "1")
	assert.NoFileExists(t, orphan)
	assert.FileExists(t, filepath.Join(dir, persistance.IndexFileName(seg.Number())))
}

func TestStore_ClosedStore(t *testing.T) {
	s, _, _ := newTestStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Write("a", "1"), dberrors.ErrClosed)
	_, _, err := s.Read("a")
	assert.ErrorIs(t, err, dberrors.ErrClosed)
	_, err = s.Stats()
	assert.ErrorIs(t, err, dberrors.ErrClosed)
	assert.ErrorIs(t, s.Compact(context.Background()), dberrors.ErrClosed)
}

func TestStore_InvalidConfig(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.LoadMode = "reload"
	_, err := New(&cfg, newMockTimeProvider(0))
	assert.ErrorIs(t, err, dberrors.ErrInvalidArgument)
}

func TestStore_BackgroundCompactor(t *testing.T) {
	s, _, _ := newTestStore(t, func(c *config.DB) {
		c.Compactor.Interval = 5 * time.Millisecond
	})
	s.Start(context.Background())

	require.NoError(t, s.Write("a", "1"))
	require.Eventually(t, func() bool {
		stats, err := s.Stats()
		return err == nil && len(stats.Levels) > 0
	}, 2*time.Second, 5*time.Millisecond)
	requireValue(t, s, "a", "1")
}
