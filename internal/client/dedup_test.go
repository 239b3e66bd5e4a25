package client

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeduplicatorObserve(t *testing.T) {
	d := NewDeduplicator(10)

	assert.True(t, d.Observe("s1", "m1"))
	assert.False(t, d.Observe("s1", "m1"))

	// Sessions are independent.
	assert.True(t, d.Observe("s2", "m1"))
}

func TestDeduplicatorFIFOEviction(t *testing.T) {
	d := NewDeduplicator(3)

	d.Observe("s1", "m1")
	d.Observe("s1", "m2")
	d.Observe("s1", "m3")
	d.Observe("s1", "m4") // evicts m1

	assert.True(t, d.Observe("s1", "m1"), "oldest id should have been evicted")
	assert.False(t, d.Observe("s1", "m4"))
}

func TestDeduplicatorForget(t *testing.T) {
	d := NewDeduplicator(10)
	d.Observe("s1", "m1")
	d.Forget("s1")
	assert.True(t, d.Observe("s1", "m1"))
}

func TestDeduplicatorDefaultLimit(t *testing.T) {
	d := NewDeduplicator(0)
	for i := 0; i < 500; i++ {
		d.Observe("s1", fmt.Sprintf("m%d", i))
	}
	assert.False(t, d.Observe("s1", "m0"), "m0 still within the 500-id window")
	d.Observe("s1", "overflow")
	assert.True(t, d.Observe("s1", "m0"), "m0 evicted once the window rolls")
}
