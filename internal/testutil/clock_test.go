package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestManualTime_StartsAtGivenMillis(t *testing.T) {
	m := NewManualTime(1000)
	assert.Equal(t, int64(1000), m.Now().UnixMilli())
}

func TestManualTime_DoesNotMoveByItself(t *testing.T) {
	m := NewManualTime(1000)
	a := m.Now()
	b := m.Now()
	assert.Equal(t, a, b)
}

func TestManualTime_Advance(t *testing.T) {
	m := NewManualTime(1000)
	got := m.Advance(250 * time.Millisecond)
	assert.Equal(t, int64(1250), got.UnixMilli())
	assert.Equal(t, int64(1250), m.Now().UnixMilli())
}

func TestManualTime_SetBackwards(t *testing.T) {
	m := NewManualTime(1000)
	m.Set(10)
	assert.Equal(t, int64(10), m.Now().UnixMilli())
}

func TestManualTime_ThreadSafe(t *testing.T) {
	m := NewManualTime(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Advance(time.Millisecond)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), m.Now().UnixMilli())
}
