package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvance(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	f := NewFake(start)
	assert.Equal(t, start, f.Now())

	f.Advance(601 * time.Second)
	assert.Equal(t, start.Add(601*time.Second), f.Now())

	f.Set(start)
	assert.Equal(t, start, f.Now())
}
