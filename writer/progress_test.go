package writer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEta(t *testing.T) {
	for _, test := range []struct {
		written, total, speed int64
		want                  time.Duration
		wantOK                bool
	}{
		{0, 100, 1, 100 * time.Second, true},
		{50, 100, 1, 50 * time.Second, true},
		{0, 1000, 100, 10 * time.Second, true},
		// Undefined cases
		{100, 100, 1, 0, false},
		{150, 100, 1, 0, false},
		{10, 100, 0, 0, false},
		{10, 100, -1, 0, false},
		{10, 0, 1, 0, false},
		{10, -1, 1, 0, false},
	} {
		got, ok := eta(test.written, test.total, test.speed)
		assert.Equal(t, test.wantOK, ok, "eta(%d, %d, %d)", test.written, test.total, test.speed)
		assert.Equal(t, test.want, got, "eta(%d, %d, %d)", test.written, test.total, test.speed)
	}
}

func TestProgressPercentage(t *testing.T) {
	p := &Progress{BytesWritten: 0, TotalBytes: 1000}
	assert.Equal(t, 0.0, p.Percentage())

	p.BytesWritten = 500
	assert.Equal(t, 50.0, p.Percentage())

	p.BytesWritten = 1000
	assert.Equal(t, 100.0, p.Percentage())
	assert.True(t, p.IsComplete())

	// Unknown total reads as 100% and never complete
	p = &Progress{BytesWritten: 500, TotalBytes: 0}
	assert.Equal(t, 100.0, p.Percentage())
	assert.False(t, p.IsComplete())
}

func TestProgressDisplay(t *testing.T) {
	p := &Progress{Speed: 4 * 1024 * 1024}
	assert.Equal(t, "4 MiB/s", p.SpeedDisplay())

	assert.Equal(t, "-", p.ETADisplay())
	p.ETA, p.ETAOK = 100*time.Second, true
	assert.Equal(t, "1m40s", p.ETADisplay())
}

func TestNewProgress(t *testing.T) {
	p := newProgress(10*1024*1024, 4*1024*1024)
	assert.Equal(t, int64(3), p.TotalBlocks)

	p = newProgress(8*1024*1024, 4*1024*1024)
	assert.Equal(t, int64(2), p.TotalBlocks)

	p = newProgress(0, 4*1024*1024)
	assert.Equal(t, int64(0), p.TotalBlocks)
}

func TestSpeedTracker(t *testing.T) {
	var tracker speedTracker

	// Fewer than two samples reads as zero
	assert.Equal(t, int64(0), tracker.speed())
	tracker.update(0)
	assert.Equal(t, int64(0), tracker.speed())

	// Synthesize a steady 1 MiB/s over 4 seconds
	now := time.Now()
	tracker.samples = nil
	for i := 0; i <= 4; i++ {
		tracker.samples = append(tracker.samples, speedSample{
			when:  now.Add(time.Duration(i) * time.Second),
			bytes: int64(i) * 1024 * 1024,
		})
	}
	assert.Equal(t, int64(1024*1024), tracker.speed())

	// The window slides - only the last maxSpeedSamples matter
	tracker.samples = nil
	for i := 0; i < maxSpeedSamples+5; i++ {
		tracker.update(int64(i))
	}
	assert.Len(t, tracker.samples, maxSpeedSamples)
	assert.Equal(t, int64(maxSpeedSamples+4), tracker.samples[maxSpeedSamples-1].bytes)

	// Zero time span reads as zero speed
	tracker.samples = []speedSample{
		{when: now, bytes: 0},
		{when: now, bytes: 100},
	}
	assert.Equal(t, int64(0), tracker.speed())
}
