package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMockClock_After(t *testing.T) {
	start := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	clk := NewMockClock(start)

	ch := clk.After(5 * time.Second)
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}

	clk.Advance(time.Second)
	select {
	case fired := <-ch:
		assert.Equal(t, start.Add(5*time.Second), fired)
	default:
		t.Fatal("did not fire at deadline")
	}
	assert.Equal(t, 0, clk.Pending())
	assert.Equal(t, start.Add(5*time.Second), clk.Now())
}

func TestMockClock_AfterZero(t *testing.T) {
	clk := NewMockClock(time.Unix(0, 0))
	select {
	case <-clk.After(0):
	default:
		t.Fatal("zero duration should fire immediately")
	}
}
