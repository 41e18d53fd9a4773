package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zanzrukiav/SearchServices/internal/config"
	"github.com/zanzrukiav/SearchServices/internal/dictionary"
	"github.com/zanzrukiav/SearchServices/internal/index"
	"github.com/zanzrukiav/SearchServices/internal/models"
	"github.com/zanzrukiav/SearchServices/internal/repository"
	"github.com/zanzrukiav/SearchServices/internal/state"
)

const testCore = "alfresco"

type fixture struct {
	repo  *repository.Memory
	shard *index.Memory
	index Index
	state *state.BboltStore
	dict  *dictionary.Dictionary

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := state.NewBboltStore(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mem := index.NewMemory()
	return &fixture{
		repo:  repository.NewMemory(),
		shard: mem,
		index: index.Single(mem),
		state: st,
		dict:  dictionary.New(),
		now:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fixture) options() Options {
	return Options{
		Core:       testCore,
		Repo:       f.repo,
		Index:      f.index,
		State:      f.state,
		Dictionary: f.dict,
		Settings: config.Tracker{
			Enabled:         true,
			BatchSize:       10,
			UpdateBatchSize: 10,
			PoolSize:        2,
			QueueSize:       4,
		},
		AclDeferral: config.Backoff{
			MaxAttempts:    3,
			InitialBackoff: config.Duration(time.Minute),
			MaxBackoff:     config.Duration(time.Hour),
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:    f.clock,
	}
}

func (f *fixture) metadata(t *testing.T) *MetadataTracker {
	t.Helper()
	tr, err := NewMetadataTracker(f.options())
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return tr
}

func (f *fixture) acl(t *testing.T) *AclTracker {
	t.Helper()
	tr, err := NewAclTracker(f.options())
	require.NoError(t, err)
	t.Cleanup(tr.Close)
	return tr
}

func (f *fixture) floor(t *testing.T, typ models.TrackerType) int64 {
	t.Helper()
	floor, err := f.state.GetFloor(context.Background(), testCore, typ)
	require.NoError(t, err)
	return floor
}

func (f *fixture) exists(t *testing.T, id string) bool {
	t.Helper()
	ok, err := f.index.Exists(context.Background(), id)
	require.NoError(t, err)
	return ok
}

func (f *fixture) doc(t *testing.T, dbID int64) *index.Document {
	t.Helper()
	doc, err := f.index.Get(context.Background(), models.NodeDocumentID(dbID))
	require.NoError(t, err)
	return doc
}

// node builds metadata for a node under the given path.
func node(dbID, aclID int64, path string, ancestors ...string) *models.NodeMetadata {
	return &models.NodeMetadata{
		Node:       models.Node{DbID: dbID},
		AclID:      aclID,
		Type:       "{http://www.alfresco.org/model/content/1.0}content",
		Properties: map[string]any{},
		Paths:      []models.PathEntry{{Path: path}},
		Ancestors:  ancestors,
	}
}

// blockingRepo holds GetTransactions until released and records how many
// calls overlap.
type blockingRepo struct {
	*repository.Memory
	active  atomic.Int32
	peak    atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRepo) GetTransactions(ctx context.Context, sinceID int64, maxResults int) ([]models.Transaction, error) {
	n := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		p := b.peak.Load()
		if n <= p || b.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case b.entered <- struct{}{}:
	default:
	}
	<-b.release
	return b.Memory.GetTransactions(ctx, sinceID, maxResults)
}

func TestTrack_CompletesAndReturnsToIdle(t *testing.T) {
	f := newFixture(t)
	tr := f.metadata(t)

	require.NoError(t, tr.Track(context.Background()))
	s := tr.Status(context.Background())
	assert.Equal(t, StateIdle, s.State)
	assert.Equal(t, StateCompleted, s.LastOutcome)
	assert.Equal(t, int64(1), s.Cycles)
	assert.Empty(t, s.LastError)
}

func TestTrack_FetchFailure(t *testing.T) {
	f := newFixture(t)
	tr := f.metadata(t)
	f.repo.Err = errors.New("connection refused")

	err := tr.Track(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrFatal)
	s := tr.Status(context.Background())
	assert.Equal(t, StateFailed, s.LastOutcome)
	assert.Contains(t, s.LastError, "connection refused")
	assert.Zero(t, s.Floor)
}

func TestTrack_SkipsWhileLocked(t *testing.T) {
	f := newFixture(t)
	tr := f.metadata(t)
	require.True(t, tr.lock.TryAcquire())

	err := tr.Track(context.Background())
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.Equal(t, int64(1), tr.Status(context.Background()).Skipped)
	assert.Zero(t, f.repo.Calls("GetTransactions"))

	tr.lock.Release()
	require.NoError(t, tr.Track(context.Background()))
}

func TestTrack_NoOverlappingCycles(t *testing.T) {
	f := newFixture(t)
	repo := &blockingRepo{Memory: f.repo, entered: make(chan struct{}, 1), release: make(chan struct{})}
	opts := f.options()
	opts.Repo = repo
	opts.LockTimeout = 0
	tr, err := NewMetadataTracker(opts)
	require.NoError(t, err)
	defer tr.Close()

	first := make(chan error, 1)
	go func() { first <- tr.Track(context.Background()) }()
	<-repo.entered

	var skipped atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if errors.Is(tr.Track(context.Background()), ErrLockTimeout) {
				skipped.Add(1)
			}
		}()
	}
	wg.Wait()
	close(repo.release)
	require.NoError(t, <-first)

	assert.Equal(t, int32(20), skipped.Load())
	assert.Equal(t, int32(1), repo.peak.Load())
}

func TestTrack_Shutdown(t *testing.T) {
	f := newFixture(t)
	tr := f.metadata(t)
	tr.Shutdown()

	assert.ErrorIs(t, tr.Track(context.Background()), ErrShuttingDown)
	assert.ErrorIs(t, tr.Poll(context.Background()), ErrShuttingDown)
	assert.Equal(t, StateShuttingDown, tr.State())
}

func TestCycleLock(t *testing.T) {
	l := NewCycleLock()
	require.NoError(t, l.Acquire(context.Background(), 0))
	assert.False(t, l.TryAcquire())

	start := time.Now()
	assert.ErrorIs(t, l.Acquire(context.Background(), 20*time.Millisecond), ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Acquire(ctx, time.Second), context.Canceled)

	go func() {
		time.Sleep(10 * time.Millisecond)
		l.Release()
	}()
	require.NoError(t, l.Acquire(context.Background(), time.Second))
	l.Release()
	assert.True(t, l.TryAcquire())
	l.Release()
}

func TestFatalError(t *testing.T) {
	cause := errors.New("disk full")
	err := fatal("set floor: %w", cause)
	assert.ErrorIs(t, err, ErrFatal)
	assert.ErrorIs(t, err, cause)

	var fe *FatalError
	assert.ErrorAs(t, err, &fe)
}

func TestGroup_Prefix(t *testing.T) {
	g := newGroup()
	g.add(1, "node/1")
	g.add(2, "node/2", "node/3")
	g.add(3)
	g.add(4, "node/4")

	assert.Equal(t, []int64{1, 2, 3, 4}, g.prefix(nil))
	assert.Equal(t, []int64{1}, g.prefix(map[string]error{"node/3": errors.New("x")}))
	assert.Empty(t, g.prefix(map[string]error{"node/1": errors.New("x")}))
	assert.Equal(t, int64(4), g.last())
	assert.Equal(t, 4, g.size)
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction("purge-node")
	require.NoError(t, err)
	assert.Equal(t, ActionPurgeNode, a)

	_, err = ParseAction("drop-index")
	assert.ErrorIs(t, err, ErrNoSuchAction)
}

func TestOptions_Validate(t *testing.T) {
	_, err := NewMetadataTracker(Options{Core: testCore})
	assert.Error(t, err)

	f := newFixture(t)
	opts := f.options()
	opts.Dictionary = nil
	_, err = NewModelTracker(opts)
	assert.Error(t, err)
}
