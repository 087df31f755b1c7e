// Package writer pumps bytes from a source stream onto a device in
// fixed size blocks, with retries, cancellation, progress accounting
// and resume from an offset.
package writer

import (
	"time"

	"github.com/mstephenholl/engraver"
)

// Progress is a snapshot of a running write. Only the writer mutates
// it; callbacks receive it between blocks and must not hold on to it
// past the callback.
type Progress struct {
	// BytesWritten so far, including any resumed prefix
	BytesWritten int64

	// TotalBytes to write, 0 when unknown (eg a compressed source)
	TotalBytes int64

	// Speed is the current instantaneous speed in bytes per second,
	// smoothed over a sliding window
	Speed int64

	// ETA until completion. Valid only when ETAOK - the ETA is
	// undefined while the speed is zero or once the write is complete.
	ETA   time.Duration
	ETAOK bool

	// CurrentBlock counts the blocks written so far, including any
	// resumed prefix - 1 after the first block
	CurrentBlock int64

	// TotalBlocks to write, 0 when unknown
	TotalBlocks int64

	// Elapsed wall clock time since the write started
	Elapsed time.Duration

	// RetryCount is the number of block retries so far
	RetryCount int
}

// newProgress sizes the block counters from the total
func newProgress(totalBytes int64, blockSize int) *Progress {
	p := &Progress{
		TotalBytes: totalBytes,
	}
	if totalBytes > 0 {
		p.TotalBlocks = (totalBytes + int64(blockSize) - 1) / int64(blockSize)
	}
	return p
}

// Percentage of the write completed, 100 when the total is unknown
func (p *Progress) Percentage() float64 {
	if p.TotalBytes <= 0 {
		return 100.0
	}
	return float64(p.BytesWritten) / float64(p.TotalBytes) * 100.0
}

// IsComplete reports whether every byte has been written
func (p *Progress) IsComplete() bool {
	return p.TotalBytes > 0 && p.BytesWritten >= p.TotalBytes
}

// SpeedDisplay formats the current speed, eg "45.200 MiB/s"
func (p *Progress) SpeedDisplay() string {
	return engraver.SizeSuffix(p.Speed).ByteRateUnit()
}

// ETADisplay formats the ETA, "-" while it is undefined
func (p *Progress) ETADisplay() string {
	if !p.ETAOK {
		return "-"
	}
	return p.ETA.Truncate(time.Second).String()
}

// eta calculates the estimated time until completion. ok is false when
// the answer is undefined - unknown total, zero speed, or nothing left
// to write.
func eta(bytesWritten, totalBytes, speed int64) (d time.Duration, ok bool) {
	if totalBytes <= 0 || speed <= 0 || bytesWritten >= totalBytes {
		return 0, false
	}
	remaining := totalBytes - bytesWritten
	return time.Duration(remaining/speed) * time.Second, true
}

// maxSpeedSamples is the sliding window length for instantaneous speed
const maxSpeedSamples = 10

type speedSample struct {
	when  time.Time
	bytes int64
}

// speedTracker smooths the write speed over the last few progress
// ticks
type speedTracker struct {
	samples []speedSample
}

// update records the byte count at the current instant
func (t *speedTracker) update(bytes int64) {
	if len(t.samples) >= maxSpeedSamples {
		t.samples = t.samples[1:]
	}
	t.samples = append(t.samples, speedSample{when: time.Now(), bytes: bytes})
}

// speed returns the current speed in bytes per second, 0 until two
// samples have been seen
func (t *speedTracker) speed() int64 {
	if len(t.samples) < 2 {
		return 0
	}
	first := t.samples[0]
	last := t.samples[len(t.samples)-1]
	dt := last.when.Sub(first.when).Seconds()
	if dt <= 0 {
		return 0
	}
	return int64(float64(last.bytes-first.bytes) / dt)
}
