package backup

import (
	"context"
	"path/filepath"
	"sort"
	"syscall"
	"testing"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/zipbackup/internal/archive"
)

const (
	srcRoot = "/src"
	dstRoot = "/dst"
)

var (
	t1 = time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)
	t2 = time.Date(2024, 9, 2, 9, 30, 0, 0, time.UTC)
	t3 = time.Date(2024, 10, 3, 10, 45, 0, 0, time.UTC)
)

type recordingReporter struct {
	plans    []*Plan
	saved    []string
	failed   []string
	progress int
	finished []*Result
}

func (r *recordingReporter) RootStarted(*RootJob) {}

func (r *recordingReporter) Planned(_ *RootJob, p *Plan) {
	r.plans = append(r.plans, p)
}

func (r *recordingReporter) SaveProgress(archive.SaveProgress) {
	r.progress++
}

func (r *recordingReporter) SegmentSaved(name string, err error) {
	if err != nil {
		r.failed = append(r.failed, name)
		return
	}
	r.saved = append(r.saved, name)
}

func (r *recordingReporter) RootFinished(_ *RootJob, res *Result, _ error) {
	r.finished = append(r.finished, res)
}

func (r *recordingReporter) reset() {
	*r = recordingReporter{}
}

type testEnv struct {
	fs       afero.Fs
	clock    clockwork.FakeClock
	reporter *recordingReporter
	engine   *Engine
}

func newTestEnv(t *testing.T, opts ...EngineOption) *testEnv {
	t.Helper()
	env := &testEnv{
		fs:       afero.NewMemMapFs(),
		clock:    clockwork.NewFakeClockAt(time.Date(2024, 10, 15, 12, 0, 0, 0, time.UTC)),
		reporter: &recordingReporter{},
	}
	require.NoError(t, env.fs.MkdirAll(srcRoot, 0o755))
	opts = append([]EngineOption{
		WithClock(env.clock),
		WithReporter(env.reporter),
		WithWorkers(4),
		WithFreeSpace(nil),
	}, opts...)
	env.engine = NewEngine(env.fs, opts...)
	return env
}

func (env *testEnv) write(t *testing.T, name string, size int, mod time.Time) {
	t.Helper()
	p := filepath.Join(srcRoot, filepath.FromSlash(name))
	require.NoError(t, env.fs.MkdirAll(filepath.Dir(p), 0o755))
	data := make([]byte, size)
	for i := range data {
		data[i] = byte('a' + i%26)
	}
	require.NoError(t, afero.WriteFile(env.fs, p, data, 0o644))
	require.NoError(t, env.fs.Chtimes(p, mod, mod))
}

func (env *testEnv) job() *RootJob {
	return &RootJob{Source: srcRoot, Destination: dstRoot, Archive: archive.Options{Level: archive.LevelBestSpeed}}
}

func (env *testEnv) sync(t *testing.T) *Result {
	t.Helper()
	env.reporter.reset()
	res, err := env.engine.SyncRoot(context.Background(), env.job())
	require.NoError(t, err)
	return res
}

// contents maps every entry in the destination to the segment holding it.
func contents(t *testing.T, fsys afero.Fs, dir string) map[string][]string {
	t.Helper()
	paths, err := archive.ListSegments(fsys, dir)
	require.NoError(t, err)

	out := make(map[string][]string)
	for _, p := range paths {
		seg, err := archive.Open(fsys, p, archive.Options{})
		require.NoError(t, err)
		for _, e := range seg.Entries() {
			out[e.Name] = append(out[e.Name], seg.Name())
		}
		require.NoError(t, seg.Close())
	}
	return out
}

func segmentEntries(t *testing.T, fsys afero.Fs, path string) map[string]*archive.Entry {
	t.Helper()
	seg, err := archive.Open(fsys, path, archive.Options{})
	require.NoError(t, err)
	defer seg.Close()
	out := make(map[string]*archive.Entry)
	for _, e := range seg.Entries() {
		out[e.Name] = e
	}
	return out
}

func mapsetOf(items ...string) mapset.Set[string] {
	return mapset.NewSet(items...)
}

func keys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func TestSyncRootModifiedFile(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "x.txt", 100, t1)
	env.write(t, "sub/y.txt", 50, t2)

	res := env.sync(t)
	assert.Equal(t, 2, res.FilesAdded)
	assert.Equal(t, 1, res.DirsAdded)
	assert.Equal(t, uint64(150), res.BytesAdded)
	assert.Equal(t, "Contents.2410.zip", res.Segment)
	assert.Equal(t, []string{"Contents.2410.zip"}, res.SegmentsSaved)

	got := contents(t, env.fs, dstRoot)
	assert.Equal(t, []string{"sub", "sub/y.txt", "x.txt"}, keys(got))

	env.write(t, "x.txt", 120, t3)
	res = env.sync(t)
	assert.Equal(t, 1, res.FilesRemoved)
	assert.Equal(t, 1, res.FilesAdded)
	assert.Equal(t, 0, res.DirsAdded)
	assert.Equal(t, 2, res.Kept)

	require.Len(t, env.reporter.plans, 1)
	plan := env.reporter.plans[0]
	require.Len(t, plan.Deletes, 1)
	assert.Equal(t, "x.txt", plan.Deletes[0].Entry.Name)
	assert.Equal(t, ReasonChanged, plan.Deletes[0].Reason)
	require.Len(t, plan.Inserts, 1)
	assert.Equal(t, "x.txt", plan.Inserts[0].Name)

	entries := segmentEntries(t, env.fs, filepath.Join(dstRoot, "Contents.2410.zip"))
	require.Len(t, entries, 3)
	assert.Equal(t, uint64(120), entries["x.txt"].Size)
	assert.Equal(t, t3.Unix(), entries["x.txt"].Modified.Unix())
	assert.Equal(t, uint64(50), entries["sub/y.txt"].Size)
	assert.Equal(t, t2.Unix(), entries["sub/y.txt"].Modified.Unix())
}

func TestSyncRootIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "x.txt", 100, t1)
	env.write(t, "a/b/c.txt", 10, t2)
	require.NoError(t, env.fs.MkdirAll(filepath.Join(srcRoot, "empty"), 0o755))
	env.sync(t)

	segment := filepath.Join(dstRoot, "Contents.2410.zip")
	old := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, env.fs.Chtimes(segment, old, old))

	res := env.sync(t)
	assert.Zero(t, res.FilesAdded+res.DirsAdded)
	assert.Zero(t, res.FilesRemoved+res.DirsRemoved)
	assert.Equal(t, 5, res.Kept)
	assert.Empty(t, res.SegmentsSaved)
	assert.Empty(t, env.reporter.saved)
	assert.True(t, env.reporter.plans[0].Empty())

	info, err := env.fs.Stat(segment)
	require.NoError(t, err)
	assert.True(t, old.Equal(info.ModTime()), "unchanged segment must not be rewritten")
}

func TestSyncRootSubSecondChangesIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "x.txt", 100, t1)
	env.sync(t)

	later := t1.Add(700 * time.Millisecond)
	require.NoError(t, env.fs.Chtimes(filepath.Join(srcRoot, "x.txt"), later, later))
	res := env.sync(t)
	assert.Zero(t, res.FilesRemoved)
	assert.Zero(t, res.FilesAdded)
}

func TestSyncRootDirectorySynthesis(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "a/b/c.txt", 10, t1)

	res := env.sync(t)
	assert.Equal(t, 1, res.FilesAdded)
	assert.Equal(t, 2, res.DirsAdded)

	entries := segmentEntries(t, env.fs, filepath.Join(dstRoot, "Contents.2410.zip"))
	require.Len(t, entries, 3)
	assert.True(t, entries["a"].IsDir)
	assert.True(t, entries["a/b"].IsDir)
	assert.False(t, entries["a/b/c.txt"].IsDir)
}

func TestSyncRootRotation(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "x.txt", 100, t1)
	env.write(t, "keep.txt", 10, t1)
	env.sync(t)

	october := filepath.Join(dstRoot, "Contents.2410.zip")
	old := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, env.fs.Chtimes(october, old, old))

	env.clock.Advance(31 * 24 * time.Hour)
	env.write(t, "n.txt", 5, t3)
	res := env.sync(t)
	assert.Equal(t, "Contents.2411.zip", res.Segment)
	assert.Equal(t, []string{"Contents.2411.zip"}, res.SegmentsSaved)

	info, err := env.fs.Stat(october)
	require.NoError(t, err)
	assert.True(t, old.Equal(info.ModTime()), "older segment without deletes must stay untouched")

	env.write(t, "x.txt", 200, t3.Add(time.Hour))
	res = env.sync(t)
	assert.Equal(t, []string{"Contents.2410.zip", "Contents.2411.zip"}, res.SegmentsSaved)

	got := contents(t, env.fs, dstRoot)
	assert.Equal(t, []string{"Contents.2411.zip"}, got["x.txt"])
	assert.Equal(t, []string{"Contents.2411.zip"}, got["n.txt"])
	assert.Equal(t, []string{"Contents.2410.zip"}, got["keep.txt"])
}

func TestSyncRootRotationMetaCharsInDestination(t *testing.T) {
	env := newTestEnv(t)
	dst := filepath.Join(dstRoot, "Photos [2019]", "a*b")
	job := env.job()
	job.Destination = dst

	env.write(t, "x.txt", 100, t1)
	_, err := env.engine.SyncRoot(context.Background(), job)
	require.NoError(t, err)

	env.clock.Advance(31 * 24 * time.Hour)
	env.write(t, "x.txt", 200, t3)
	require.NoError(t, afero.WriteFile(env.fs, filepath.Join(dst, "__temp.Contents.2411.zip"), []byte("partial"), 0o644))

	res, err := env.engine.SyncRoot(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesRemoved)
	assert.Equal(t, 1, res.FilesAdded)

	got := contents(t, env.fs, dst)
	assert.Equal(t, []string{"Contents.2411.zip"}, got["x.txt"])

	temps, err := archive.ListTempFiles(env.fs, dst)
	require.NoError(t, err)
	assert.Empty(t, temps)
}

// failingDirFs fails to open one directory, as an unreadable mount would.
type failingDirFs struct {
	afero.Fs
	dir string
}

func (f failingDirFs) Open(name string) (afero.File, error) {
	if filepath.Clean(name) == f.dir {
		return nil, syscall.EIO
	}
	return f.Fs.Open(name)
}

func TestSyncRootUnreadableDestination(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "x.txt", 100, t1)
	env.sync(t)

	fsys := failingDirFs{Fs: env.fs, dir: dstRoot}
	_, err := LoadArchiveSet(fsys, dstRoot, "Contents.2410.zip", archive.Options{})
	assert.ErrorIs(t, err, syscall.EIO)

	before := segmentEntries(t, env.fs, filepath.Join(dstRoot, "Contents.2410.zip"))
	for _, dryRun := range []bool{false, true} {
		engine := NewEngine(fsys, WithClock(env.clock), WithFreeSpace(nil), WithDryRun(dryRun))
		_, err = engine.SyncRoot(context.Background(), env.job())
		assert.ErrorIs(t, err, syscall.EIO)
	}
	assert.Len(t, segmentEntries(t, env.fs, filepath.Join(dstRoot, "Contents.2410.zip")), len(before))
}

func TestSyncRootEmptiedSegmentRemoved(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "x.txt", 100, t1)
	env.sync(t)

	env.clock.Advance(31 * 24 * time.Hour)
	env.write(t, "x.txt", 101, t3)
	env.sync(t)

	exists, err := afero.Exists(env.fs, filepath.Join(dstRoot, "Contents.2410.zip"))
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, map[string][]string{"x.txt": {"Contents.2411.zip"}}, contents(t, env.fs, dstRoot))
}

func TestSyncRootDeletedFiles(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "x.txt", 100, t1)
	env.write(t, "gone/y.txt", 50, t1)
	env.sync(t)

	require.NoError(t, env.fs.RemoveAll(filepath.Join(srcRoot, "gone")))
	res := env.sync(t)
	assert.Equal(t, 1, res.FilesRemoved)
	assert.Equal(t, 1, res.DirsRemoved)
	assert.Equal(t, 1, res.Kept)
	assert.Equal(t, []string{"x.txt"}, keys(contents(t, env.fs, dstRoot)))
}

func TestSyncRootDuplicateEntries(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "x.txt", 100, t1)
	for _, name := range []string{"Contents.2409.zip", "Contents.2410.zip"} {
		seg, err := archive.Open(env.fs, filepath.Join(dstRoot, name), archive.Options{})
		require.NoError(t, err)
		require.NoError(t, seg.AddFile(filepath.Join(srcRoot, "x.txt"), "x.txt"))
		require.NoError(t, seg.Save(nil))
	}

	res := env.sync(t)
	assert.Equal(t, 1, res.Kept)
	assert.Equal(t, 1, res.FilesRemoved)
	assert.Equal(t, ReasonDuplicate, env.reporter.plans[0].Deletes[0].Reason)
	assert.Equal(t, map[string][]string{"x.txt": {"Contents.2409.zip"}}, contents(t, env.fs, dstRoot))
}

func TestSyncRootExclusions(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "x.txt", 100, t1)
	env.write(t, "nested/z.txt", 10, t1)
	env.write(t, "cache/blob.bin", 10, t1)
	env.write(t, "notes.tmp", 10, t1)

	job := env.job()
	job.Excluded = mapsetOf(filepath.Join(srcRoot, "nested"))
	job.Exclude = NewExcludeList("*.tmp", "cache/")

	_, err := env.engine.SyncRoot(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, []string{"x.txt"}, keys(contents(t, env.fs, dstRoot)))
}

func TestSyncRootScanErrorWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "x.txt", 100, t1)
	env.sync(t)
	before, err := afero.ReadFile(env.fs, filepath.Join(dstRoot, "Contents.2410.zip"))
	require.NoError(t, err)

	job := env.job()
	job.Source = "/missing"
	res, err := env.engine.SyncRoot(context.Background(), job)
	require.Error(t, err)
	assert.NotEmpty(t, res.Error)

	after, err := afero.ReadFile(env.fs, filepath.Join(dstRoot, "Contents.2410.zip"))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSyncRootCorruptSegment(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "x.txt", 100, t1)
	require.NoError(t, env.fs.MkdirAll(dstRoot, 0o755))
	require.NoError(t, afero.WriteFile(env.fs, filepath.Join(dstRoot, "Contents.2401.zip"), []byte("garbage"), 0o644))

	_, err := env.engine.SyncRoot(context.Background(), env.job())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Contents.2401.zip")

	exists, err := afero.Exists(env.fs, filepath.Join(dstRoot, "Contents.2410.zip"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSyncRootDryRun(t *testing.T) {
	env := newTestEnv(t, WithDryRun(true))
	env.write(t, "x.txt", 100, t1)

	res := env.sync(t)
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.FilesAdded)
	assert.Empty(t, res.SegmentsSaved)

	exists, err := afero.DirExists(env.fs, dstRoot)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSyncRootRemovesLeftoverTempFiles(t *testing.T) {
	env := newTestEnv(t)
	env.write(t, "x.txt", 100, t1)
	require.NoError(t, env.fs.MkdirAll(dstRoot, 0o755))
	leftover := filepath.Join(dstRoot, archive.TempPrefix+"Contents.2410.zip")
	require.NoError(t, afero.WriteFile(env.fs, leftover, []byte("partial"), 0o644))

	env.sync(t)
	exists, err := afero.Exists(env.fs, leftover)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSyncRootFreeSpaceProbe(t *testing.T) {
	var probed string
	env := newTestEnv(t, WithFreeSpace(func(_ context.Context, path string) (uint64, error) {
		probed = path
		return 1, nil
	}))
	env.write(t, "x.txt", 100, t1)

	res := env.sync(t)
	assert.Equal(t, dstRoot, probed)
	assert.Equal(t, []string{"Contents.2410.zip"}, res.SegmentsSaved)
	assert.NotZero(t, env.reporter.progress)
}

func TestSyncRootSplitArchive(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"a.bin", "b.bin", "c.bin"} {
		env.write(t, name, 400, t1)
	}

	job := env.job()
	job.Archive = archive.Options{Level: archive.LevelNone, MaxPartSize: 300}
	_, err := env.engine.SyncRoot(context.Background(), job)
	require.NoError(t, err)

	parts, err := afero.Glob(env.fs, filepath.Join(dstRoot, "Contents.2410.z*"))
	require.NoError(t, err)
	assert.Greater(t, len(parts), 1)

	res, err := env.engine.SyncRoot(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Kept)
}
