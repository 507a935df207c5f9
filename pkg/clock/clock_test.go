package clock_test

import (
	"testing"
	"time"

	"github.com/matryer/is"

	"github.com/sour-is/livelist/pkg/clock"
)

func TestFakeAdvance(t *testing.T) {
	is := is.New(t)

	start := time.Date(2022, 8, 1, 0, 0, 0, 0, time.UTC)
	c := clock.Fake(start)

	var fired []string
	c.AfterFunc(2*time.Second, func() { fired = append(fired, "two") })
	c.AfterFunc(time.Second, func() { fired = append(fired, "one") })
	stop := c.AfterFunc(3*time.Second, func() { fired = append(fired, "three") })

	next, ok := c.Next()
	is.True(ok)
	is.Equal(next, time.Second)

	c.Advance(500 * time.Millisecond)
	is.Equal(len(fired), 0)

	is.True(stop.Stop())
	is.True(!stop.Stop())

	c.Advance(2 * time.Second)
	is.Equal(fired, []string{"one", "two"})
	is.Equal(c.Now(), start.Add(2500*time.Millisecond))
	is.Equal(c.Pending(), 0)

	_, ok = c.Next()
	is.True(!ok)
}

func TestFakeReschedule(t *testing.T) {
	is := is.New(t)

	c := clock.Fake(time.Unix(0, 0))

	count := 0
	var tick func()
	tick = func() {
		count++
		if count < 3 {
			c.AfterFunc(time.Second, tick)
		}
	}
	c.AfterFunc(time.Second, tick)

	for i := 0; i < 5; i++ {
		c.Advance(time.Second)
	}
	is.Equal(count, 3)
}

func TestReal(t *testing.T) {
	is := is.New(t)

	done := make(chan struct{})
	clock.Real().AfterFunc(time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		is.Fail()
	}
}
