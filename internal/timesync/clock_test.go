package timesync

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMonotonicSequenceGeneratorPerDomain(t *testing.T) {
	g := NewMonotonicSequenceGenerator()
	assert.EqualValues(t, 1, g.Next("tenant-a"))
	assert.EqualValues(t, 2, g.Next("tenant-a"))
	assert.EqualValues(t, 1, g.Next("tenant-b"))
	assert.EqualValues(t, 2, g.Current("tenant-a"))
	assert.EqualValues(t, 0, g.Current("unseen"))
}

func TestMonotonicSequenceGeneratorDefaultDomain(t *testing.T) {
	g := NewMonotonicSequenceGenerator()
	assert.EqualValues(t, 1, g.Next(""))
	assert.EqualValues(t, 2, g.Next("default"))
}

func TestVectorClockMerge(t *testing.T) {
	left := map[string]int64{"a": 1, "b": 5}
	right := map[string]int64{"b": 3, "c": 2}
	merged := VectorClockMerge(left, right)
	assert.Equal(t, map[string]int64{"a": 1, "b": 5, "c": 2}, merged)
}

func TestVectorClockCompare(t *testing.T) {
	assert.Equal(t, OrderingEqual, VectorClockCompare(nil, nil))
	assert.Equal(t, OrderingEqual, VectorClockCompare(map[string]int64{"a": 1}, map[string]int64{"a": 1}))
	assert.Equal(t, OrderingBefore, VectorClockCompare(map[string]int64{"a": 1}, map[string]int64{"a": 2}))
	assert.Equal(t, OrderingAfter, VectorClockCompare(map[string]int64{"a": 2}, map[string]int64{"a": 1}))
	assert.Equal(t, OrderingConcurrent, VectorClockCompare(map[string]int64{"a": 2, "b": 1}, map[string]int64{"a": 1, "b": 2}))
}
