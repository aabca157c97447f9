package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeFiresTimersInDeadlineOrder(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)

	var order []int
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(time.Second, func() { order = append(order, 1) })
	stopped := c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	assert.True(t, stopped.Stop())
	assert.False(t, stopped.Stop())

	c.Advance(5 * time.Second)
	assert.Equal(t, []int{1, 3}, order)
	assert.Equal(t, start.Add(5*time.Second), c.Now())
	assert.Empty(t, c.Pending())
}
