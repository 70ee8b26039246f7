package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestManualClock_StartsAtEpoch(t *testing.T) {
	assert.Equal(t, Epoch, NewManualClock().Now())
}

func TestManualClock_Advance(t *testing.T) {
	c := NewManualClock()
	c.Advance(90 * time.Second)
	assert.Equal(t, Epoch.Add(90*time.Second), c.Now())

	c.Set(Epoch)
	assert.Equal(t, Epoch, c.Now())
}

func TestManualClock_Concurrent(t *testing.T) {
	c := NewManualClock()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Millisecond)
			_ = c.Now()
		}()
	}
	wg.Wait()
	assert.Equal(t, Epoch.Add(50*time.Millisecond), c.Now())
}

func TestSequentialIDs(t *testing.T) {
	a := NewSequentialIDs(1)
	b := NewSequentialIDs(1)
	other := NewSequentialIDs(2)

	first := a.NewID()
	assert.Equal(t, first, b.NewID(), "same construction, same ids")
	assert.NotEqual(t, first, other.NewID())
	assert.Equal(t, uuid.Version(7), first.Version())

	second := a.NewID()
	assert.Less(t, first.String(), second.String(), "ids sort by mint order")

	sec, nsec := second.Time().UnixTime()
	assert.Equal(t, int64(0), sec)
	assert.Equal(t, int64(2*time.Millisecond), nsec)
}
