package stats

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStats_Empty(t *testing.T) {
	r := New().Report()

	assert.NotEmpty(t, r.Started)
	assert.Equal(t, WelfordStats{}, r.Audience)
	assert.Equal(t, WelfordStats{}, r.Bytes)
	assert.Zero(t, r.Dropped)
	assert.Zero(t, r.Rejected)
}

func TestStats_Routed(t *testing.T) {
	s := New()
	s.Routed(1, 10)
	s.Routed(3, 30)
	s.Dropped()
	s.Rejected()
	s.Rejected()

	r := s.Report()
	assert.Equal(t, uint64(2), r.Audience.Count)
	assert.InDelta(t, 2.0, r.Audience.Mean, 1e-9)
	assert.InDelta(t, 1.0, r.Audience.Min, 1e-9)
	assert.InDelta(t, 3.0, r.Audience.Max, 1e-9)
	assert.InDelta(t, 20.0, r.Bytes.Mean, 1e-9)
	assert.Equal(t, uint64(1), r.Dropped)
	assert.Equal(t, uint64(2), r.Rejected)
}
