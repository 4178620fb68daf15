// Copyright 2025 James Ross
package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOpensPastThreshold(t *testing.T) {
	cb := New(time.Minute, time.Minute, 0.5, 4)
	for i := 0; i < 4; i++ {
		cb.Record(false)
	}
	assert.Equal(t, Open, cb.State())
	assert.False(t, cb.Allow())
}

func TestStaysClosedBelowMinSamples(t *testing.T) {
	cb := New(time.Minute, time.Minute, 0.5, 10)
	for i := 0; i < 5; i++ {
		cb.Record(false)
	}
	assert.Equal(t, Closed, cb.State())
}

func TestHalfOpenSingleProbe(t *testing.T) {
	cb := New(time.Minute, time.Millisecond, 0.5, 2)
	cb.Record(false)
	cb.Record(false)
	assert.Equal(t, Open, cb.State())

	time.Sleep(5 * time.Millisecond)
	assert.True(t, cb.Allow())  // the probe
	assert.False(t, cb.Allow()) // everyone else waits

	cb.Record(true)
	assert.Equal(t, Closed, cb.State())
	assert.True(t, cb.Allow())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cb := New(time.Minute, time.Millisecond, 0.5, 2)
	cb.Record(false)
	cb.Record(false)
	time.Sleep(5 * time.Millisecond)
	assert.True(t, cb.Allow())
	cb.Record(false)
	assert.Equal(t, Open, cb.State())
	assert.False(t, cb.Allow())
}
