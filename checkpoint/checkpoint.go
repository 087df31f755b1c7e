// Package checkpoint persists write progress so an interrupted write
// can resume where it stopped.
//
// A checkpoint is one JSON file per (source, target) pair, named by an
// FNV-1a hash of the pair so lookup never scans the directory. Writes
// go through a temp file and an atomic rename; a crash mid save leaves
// at worst a stale .tmp which is never read.
package checkpoint

import (
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/mstephenholl/engraver/hash"
	"github.com/mstephenholl/engraver/source"
	"github.com/mstephenholl/engraver/writer"
)

// headerHashLen is how much of the source feeds the identity hash
const headerHashLen = 1024 * 1024

// Version is the current checkpoint format version. Files claiming a
// newer version refuse to load.
const Version = 1

// Extension of checkpoint files
const Extension = "checkpoint"

// State tracks where a checkpoint is in its lifecycle. It is not
// persisted.
type State int

// Checkpoint lifecycle states
const (
	Fresh State = iota
	Saved
	Loaded
	Updated
	Removed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Saved:
		return "saved"
	case Loaded:
		return "loaded"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// ConfigSnapshot is the subset of the write configuration captured in
// a checkpoint
type ConfigSnapshot struct {
	BlockSize      int  `json:"block_size"`
	SyncEachBlock  bool `json:"sync_each_block"`
	SyncOnComplete bool `json:"sync_on_complete"`
	RetryAttempts  int  `json:"retry_attempts"`
	Verify         bool `json:"verify"`
}

// Checkpoint is a durable record of an in-flight write
type Checkpoint struct {
	// Version of the checkpoint format
	Version int `json:"version"`

	// SessionID is a human readable tag (start time and pid). It is
	// never used for matching - the filename hash is.
	SessionID string `json:"session_id"`

	// Source identity
	SourcePath       string      `json:"source_path"`
	SourceType       source.Type `json:"source_type"`
	SourceSize       *int64      `json:"source_size,omitempty"`
	SourceHeaderHash string      `json:"source_header_hash,omitempty"`
	SourceSeekable   bool        `json:"source_seekable"`
	SourceResumable  bool        `json:"source_resumable"`

	// Target identity
	TargetPath string `json:"target_path"`
	TargetSize int64  `json:"target_size"`

	// Write configuration
	BlockSize int            `json:"block_size"`
	Config    ConfigSnapshot `json:"config"`

	// Progress
	BytesWritten  int64  `json:"bytes_written"`
	BlocksWritten int64  `json:"blocks_written"`
	TotalBlocks   *int64 `json:"total_blocks,omitempty"`

	// Timing, seconds since the epoch
	StartTime      int64   `json:"start_time"`
	LastUpdate     int64   `json:"last_update"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`

	// Resume bookkeeping
	ResumeCount  int `json:"resume_count"`
	TotalRetries int `json:"total_retries"`

	state State `json:"-"`
}

// New creates a fresh checkpoint for a write about to start
func New(info source.Info, targetPath string, targetSize int64, cfg writer.Config) *Checkpoint {
	now := time.Now().Unix()
	cp := &Checkpoint{
		Version:         Version,
		SessionID:       fmt.Sprintf("%x-%x", now, os.Getpid()),
		SourcePath:      info.Path,
		SourceType:      info.Type,
		SourceSeekable:  info.Seekable,
		SourceResumable: info.Resumable,
		TargetPath:      targetPath,
		TargetSize:      targetSize,
		BlockSize:       cfg.BlockSize,
		Config: ConfigSnapshot{
			BlockSize:      cfg.BlockSize,
			SyncEachBlock:  cfg.SyncEachBlock,
			SyncOnComplete: cfg.SyncOnComplete,
			RetryAttempts:  cfg.RetryAttempts,
			Verify:         cfg.VerifyAfterWrite,
		},
		StartTime:  now,
		LastUpdate: now,
	}
	if info.Size >= 0 {
		size := info.Size
		cp.SourceSize = &size
		blocks := (size + int64(cfg.BlockSize) - 1) / int64(cfg.BlockSize)
		cp.TotalBlocks = &blocks
	}
	return cp
}

// UpdateProgress records the bytes and blocks on the device so far
func (cp *Checkpoint) UpdateProgress(bytesWritten, blocksWritten int64, elapsed time.Duration) {
	cp.BytesWritten = bytesWritten
	cp.BlocksWritten = blocksWritten
	cp.ElapsedSeconds = elapsed.Seconds()
	cp.LastUpdate = time.Now().Unix()
	cp.state = Updated
}

// MarkResumed bumps the resume counter
func (cp *Checkpoint) MarkResumed() {
	cp.ResumeCount++
	cp.LastUpdate = time.Now().Unix()
	cp.state = Updated
}

// AddRetries accumulates block retries across runs
func (cp *Checkpoint) AddRetries(count int) {
	cp.TotalRetries += count
	cp.state = Updated
}

// CanResume reports whether the source can produce bytes from the
// recorded offset - local files seek, range-capable servers serve a
// suffix, compressed streams can do neither
func (cp *Checkpoint) CanResume() bool {
	return cp.SourceSeekable || cp.SourceResumable
}

// Percentage of the write completed at the last update, 0 when the
// source size is unknown
func (cp *Checkpoint) Percentage() float64 {
	if cp.SourceSize == nil || *cp.SourceSize <= 0 {
		return 0.0
	}
	return float64(cp.BytesWritten) / float64(*cp.SourceSize) * 100.0
}

// State reports where the checkpoint is in its lifecycle
func (cp *Checkpoint) State() State {
	return cp.state
}

// Filename is a pure function of the (source, target) pair, so a
// second run of the same job finds its predecessor in O(1)
func (cp *Checkpoint) Filename() string {
	return filenameFor(cp.SourcePath, cp.TargetPath)
}

func filenameFor(sourcePath, targetPath string) string {
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s:%s", sourcePath, targetPath)
	return fmt.Sprintf("%016x.%s", h.Sum64(), Extension)
}

// HeaderHash digests the first 1 MiB of a local file, a cheap identity
// check for resume validation
func HeaderHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "open %q", path)
	}
	defer func() { _ = f.Close() }()

	sums, err := hash.StreamTypes(io.LimitReader(f, headerHashLen), hash.NewHashSet(hash.SHA256))
	if err != nil {
		return "", errors.Wrapf(err, "hashing %q", path)
	}
	return sums[hash.SHA256], nil
}
