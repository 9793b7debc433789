package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManualRunner_RunsInFIFOOrder(t *testing.T) {
	r := NewManualRunner()

	var got []int
	for i := 1; i <= 3; i++ {
		i := i
		assert.True(t, r.Post(func() { got = append(got, i) }))
	}

	assert.Equal(t, 3, r.RunPending())
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, 3, r.Ran())
}

func TestManualRunner_RunPendingDefersNewTasks(t *testing.T) {
	r := NewManualRunner()

	var got []string
	r.Post(func() {
		got = append(got, "first")
		r.Post(func() { got = append(got, "posted") })
	})

	assert.Equal(t, 1, r.RunPending())
	assert.Equal(t, []string{"first"}, got)
	assert.Equal(t, 1, r.Len())

	r.RunPending()
	assert.Equal(t, []string{"first", "posted"}, got)
}

func TestManualRunner_RunUntilIdleBounded(t *testing.T) {
	r := NewManualRunner()

	var spin func()
	count := 0
	spin = func() {
		count++
		r.Post(spin)
	}
	r.Post(spin)

	assert.Equal(t, 10, r.RunUntilIdle(10))
	assert.Equal(t, 10, count)
}

func TestManualRunner_Close(t *testing.T) {
	r := NewManualRunner()
	r.Post(func() {})
	r.Close()

	assert.False(t, r.Post(func() {}))
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.RunOne())
}
