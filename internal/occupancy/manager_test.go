package occupancy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"celdas-api/internal/geo"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	states []State
	err    error
}

func (p *recordingPublisher) Broadcast(ctx context.Context, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	if s, ok := payload.(State); ok {
		p.states = append(p.states, s)
	}
	return p.err
}

func bound(minX, minY, maxX, maxY float64) orb.Bound {
	return orb.Bound{Min: orb.Point{minX, minY}, Max: orb.Point{maxX, maxY}}
}

// sampleDataset：A、B 角点接触，C 孤立
func sampleDataset() *geo.Dataset {
	return &geo.Dataset{
		Cells: []string{"A", "B", "C"},
		Table: geo.Table{
			"A": bound(0, 0, 1, 1),
			"B": bound(1, 1, 2, 2),
			"C": bound(5, 5, 6, 6),
		},
	}
}

func loadedManager(t *testing.T, pub Publisher) *Manager {
	t.Helper()
	m := NewManager(Options{Publisher: pub, Cache: NewLRU(8, 0)})
	require.NoError(t, m.Load(sampleDataset()))
	return m
}

func members(areas []Area) [][]string {
	out := make([][]string, 0, len(areas))
	for _, a := range areas {
		out = append(out, a.Members())
	}
	return out
}

func TestUpdateScenarios(t *testing.T) {
	ctx := context.Background()

	t.Run("all free", func(t *testing.T) {
		m := loadedManager(t, nil)
		areas, err := m.Update(ctx, []string{})
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"A", "B"}, {"C"}}, members(areas))
		assert.Equal(t, Area{Name: AreaLabel, Reference: "A", Cells: []string{"A, B"}}, areas[0])
	})

	t.Run("occupying A isolates B", func(t *testing.T) {
		m := loadedManager(t, nil)
		areas, err := m.Update(ctx, []any{"A"})
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"B"}, {"C"}}, members(areas))
		st := m.Snapshot()
		assert.Equal(t, []string{"B", "C"}, st.Free)
		assert.Equal(t, []string{"A"}, st.Occupied)
		assert.Equal(t, []string{"A", "B", "C"}, st.All)
	})

	t.Run("non-sequence means nothing occupied", func(t *testing.T) {
		m := loadedManager(t, nil)
		_, err := m.Update(ctx, []string{"A"})
		require.NoError(t, err)
		for _, v := range []any{42.0, "A", nil, map[string]any{"A": true}} {
			_, err := m.Update(ctx, v)
			require.NoError(t, err)
			st := m.Snapshot()
			assert.Equal(t, st.All, st.Free)
			assert.Empty(t, st.Occupied)
		}
	})

	t.Run("identifiers are matched exactly as supplied", func(t *testing.T) {
		m := loadedManager(t, nil)
		areas, err := m.Update(ctx, []any{"", 7.0, "Z", " C ", "B"})
		require.NoError(t, err)
		st := m.Snapshot()
		assert.Equal(t, []string{"", "Z", " C ", "B"}, st.Occupied)
		assert.Equal(t, []string{"A", "C"}, st.Free)
		assert.Equal(t, [][]string{{"A"}, {"C"}}, members(areas))
	})

	t.Run("full occupancy yields no groups", func(t *testing.T) {
		m := loadedManager(t, nil)
		areas, err := m.Update(ctx, []string{"C", "B", "A"})
		require.NoError(t, err)
		assert.Empty(t, areas)
		assert.Empty(t, m.Snapshot().Free)
	})
}

func TestUpdateNotLoaded(t *testing.T) {
	pub := &recordingPublisher{}
	m := NewManager(Options{Publisher: pub})
	before := m.Snapshot()

	areas, err := m.Update(context.Background(), []string{})
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.Nil(t, areas)
	assert.Equal(t, before, m.Snapshot())
	assert.Empty(t, pub.events)

	m.Fail(errors.New("archive missing"))
	assert.False(t, m.Loaded())
	assert.EqualError(t, m.LoadErr(), "archive missing")
	_, err = m.Update(context.Background(), []string{})
	assert.ErrorIs(t, err, ErrNotLoaded)
	_, err = m.Areas()
	assert.ErrorIs(t, err, ErrNotLoaded)
}

func TestLoadIsTerminal(t *testing.T) {
	m := loadedManager(t, nil)
	assert.True(t, m.Loaded())
	assert.ErrorIs(t, m.Load(sampleDataset()), ErrAlreadyLoaded)
	m.Fail(errors.New("late"))
	assert.True(t, m.Loaded())
	assert.NoError(t, m.LoadErr())

	st := m.Snapshot()
	assert.Equal(t, st.All, st.Free)
	assert.Empty(t, st.Occupied)
}

func TestUpdateBroadcastsState(t *testing.T) {
	pub := &recordingPublisher{}
	m := loadedManager(t, pub)
	_, err := m.Update(context.Background(), []string{"B"})
	require.NoError(t, err)
	require.Equal(t, []string{EventState}, pub.events)
	assert.Equal(t, State{All: []string{"A", "B", "C"}, Occupied: []string{"B"}, Free: []string{"A", "C"}}, pub.states[0])

	pub.err = errors.New("redis down")
	_, err = m.Update(context.Background(), []string{"C"})
	assert.NoError(t, err, "publish failures are not surfaced to the caller")
	assert.Len(t, pub.events, 2)
}

func TestUpdateIdempotent(t *testing.T) {
	m := loadedManager(t, nil)
	first, err := m.Update(context.Background(), []string{"A"})
	require.NoError(t, err)
	second, err := m.Update(context.Background(), []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, m.cache.Len())
}

func TestUpdatePartition(t *testing.T) {
	m := loadedManager(t, nil)
	for _, occ := range [][]string{{}, {"A"}, {"B"}, {"A", "C"}, {"A", "B", "C"}} {
		areas, err := m.Update(context.Background(), occ)
		require.NoError(t, err)
		st := m.Snapshot()
		taken := map[string]bool{}
		for _, id := range st.Occupied {
			taken[id] = true
		}
		seen := map[string]int{}
		for _, a := range areas {
			for _, id := range a.Members() {
				assert.False(t, taken[id], "occupied %s in a group", id)
				seen[id]++
			}
		}
		for _, id := range st.Free {
			assert.False(t, taken[id])
			assert.Equal(t, 1, seen[id], "free %s", id)
		}
	}
}

func TestAreasDoesNotMutate(t *testing.T) {
	pub := &recordingPublisher{}
	m := loadedManager(t, pub)
	_, err := m.Update(context.Background(), []string{"A"})
	require.NoError(t, err)
	areas, err := m.Areas()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"B"}, {"C"}}, members(areas))
	assert.Len(t, pub.events, 1)
}

func TestConcurrentUpdates(t *testing.T) {
	m := loadedManager(t, &recordingPublisher{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			occ := []string{"A"}
			if i%2 == 0 {
				occ = []string{"C"}
			}
			_, err := m.Update(context.Background(), occ)
			assert.NoError(t, err)
			_ = m.Snapshot()
		}(i)
	}
	wg.Wait()
	st := m.Snapshot()
	assert.Len(t, st.Free, 2)
}

// gatedPublisher：第一次 Broadcast 阻塞到 release 关闭，其余直接记录
type gatedPublisher struct {
	recordingPublisher
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *gatedPublisher) Broadcast(ctx context.Context, event string, payload any) error {
	first := false
	p.once.Do(func() { first = true })
	if first {
		close(p.entered)
		<-p.release
	}
	return p.recordingPublisher.Broadcast(ctx, event, payload)
}

func TestBroadcastOrderFollowsStateOrder(t *testing.T) {
	pub := &gatedPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	m := loadedManager(t, pub)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := m.Update(context.Background(), []string{"A"})
		assert.NoError(t, err)
	}()
	<-pub.entered

	secondDone := make(chan struct{})
	go func() {
		defer wg.Done()
		defer close(secondDone)
		_, err := m.Update(context.Background(), []string{"C"})
		assert.NoError(t, err)
	}()
	select {
	case <-secondDone:
		t.Fatal("second update completed while the first was still publishing")
	case <-time.After(50 * time.Millisecond):
	}
	close(pub.release)
	wg.Wait()

	require.Len(t, pub.states, 2)
	assert.Equal(t, []string{"A"}, pub.states[0].Occupied)
	assert.Equal(t, m.Snapshot(), pub.states[len(pub.states)-1])
}

func TestWithSnapshotWaitsForPublish(t *testing.T) {
	pub := &gatedPublisher{entered: make(chan struct{}), release: make(chan struct{})}
	m := loadedManager(t, pub)
	go func() { _, _ = m.Update(context.Background(), []string{"B"}) }()
	<-pub.entered

	got := make(chan State, 1)
	go m.WithSnapshot(func(s State) { got <- s })
	select {
	case <-got:
		t.Fatal("snapshot taken while an update was still publishing")
	case <-time.After(50 * time.Millisecond):
	}
	close(pub.release)
	assert.Equal(t, []string{"B"}, (<-got).Occupied)
}

func TestApplyRemote(t *testing.T) {
	remote := &recordingPublisher{}
	local := &recordingPublisher{}
	m := loadedManager(t, remote)

	require.NoError(t, m.ApplyRemote(context.Background(), []string{"A"}, local))
	assert.Equal(t, []string{"B", "C"}, m.Snapshot().Free)
	assert.Empty(t, remote.events, "remote state is not published again")
	require.Len(t, local.states, 1)
	assert.Equal(t, m.Snapshot(), local.states[0])

	areas, err := m.Areas()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"B"}, {"C"}}, members(areas))

	unloaded := NewManager(Options{})
	assert.ErrorIs(t, unloaded.ApplyRemote(context.Background(), []string{"A"}, local), ErrNotLoaded)
	assert.Len(t, local.states, 1)
}
