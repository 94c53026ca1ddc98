package epoch_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flier/nvart/pkg/epoch"
)

func TestRetireNotReclaimedWhileReaderActive(t *testing.T) {
	t.Parallel()

	m := epoch.NewManager()
	guard := m.Enter()

	released := false
	m.Retire(func() { released = true })

	m.Advance()
	n := m.TryReclaim()

	assert.Equal(t, 0, n)
	assert.False(t, released)

	guard.Leave()

	n = m.TryReclaim()
	assert.Equal(t, 1, n)
	assert.True(t, released)
}

func TestReclaimAfterAllReadersLeave(t *testing.T) {
	t.Parallel()

	m := epoch.NewManager()

	var count int
	var mu sync.Mutex

	for i := 0; i < 5; i++ {
		m.Retire(func() {
			mu.Lock()
			count++
			mu.Unlock()
		})
		m.Advance()
	}

	require.Equal(t, 5, m.PendingCount())

	n := m.TryReclaim()
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, count)
	assert.Equal(t, 0, m.PendingCount())
}

func TestConcurrentReadersDoNotBlockEachOther(t *testing.T) {
	t.Parallel()

	m := epoch.NewManager()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g := m.Enter()
			defer g.Leave()
		}()
	}
	wg.Wait()

	assert.Equal(t, 0, m.ActiveReaderCount())
}
