package tick

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSynchronizerIssuesMonotonicTicks(t *testing.T) {
	s := NewSynchronizer(0)
	require.Equal(t, Tick(0), s.Current())
	require.Equal(t, Tick(1), s.Next())
	require.Equal(t, Tick(2), s.Next())
	require.Equal(t, Tick(2), s.Current())
}

func TestSynchronizerResumesAfterStart(t *testing.T) {
	s := NewSynchronizer(41)
	assert.Equal(t, Tick(42), s.Next())
}

func TestSynchronizerConcurrentReaders(t *testing.T) {
	s := NewSynchronizer(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = s.Current()
			}
		}()
	}
	for i := 0; i < 100; i++ {
		s.Next()
	}
	wg.Wait()
	assert.Equal(t, Tick(100), s.Current())
}

func TestRangeSemantics(t *testing.T) {
	r := Range{From: 5, To: 8}
	assert.True(t, r.Valid())
	assert.Equal(t, uint64(3), r.Len())
	assert.False(t, r.Contains(5))
	assert.True(t, r.Contains(6))
	assert.True(t, r.Contains(8))
	assert.False(t, r.Contains(9))
	assert.True(t, r.CoveredBy(8))
	assert.True(t, r.CoveredBy(100))
	assert.False(t, r.CoveredBy(7))
	assert.Equal(t, "(5,8]", r.String())

	empty := Range{From: 8, To: 8}
	assert.False(t, empty.Valid())
	assert.Equal(t, uint64(0), empty.Len())
}

func TestPacerClampsLargeStalls(t *testing.T) {
	p := NewPacer(10, 3)
	start := time.Unix(0, 0)
	first := p.Advance(1, start)
	assert.InDelta(t, 0.1, first.Delta, 1e-9)
	assert.False(t, first.Clamped)

	second := p.Advance(2, start.Add(150*time.Millisecond))
	assert.InDelta(t, 0.15, second.Delta, 1e-9)

	stalled := p.Advance(3, start.Add(10*time.Second))
	assert.True(t, stalled.Clamped)
	assert.InDelta(t, 0.3, stalled.Delta, 1e-9)
	assert.Equal(t, 100*time.Millisecond, p.Interval())
}
