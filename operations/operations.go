// Package operations composes the engraver subsystems into whole
// jobs - validate a source, gate the target through drive detection,
// open the device, resume from a checkpoint, pump the writer and
// verify the result.
//
// Destructive-operation confirmation and progress rendering stay with
// the embedding application; this package only refuses what must never
// happen (writing to a system drive) and wires everything else
// together.
package operations

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mstephenholl/engraver"
	"github.com/mstephenholl/engraver/checkpoint"
	"github.com/mstephenholl/engraver/detect"
	"github.com/mstephenholl/engraver/device"
	"github.com/mstephenholl/engraver/hash"
	"github.com/mstephenholl/engraver/source"
	"github.com/mstephenholl/engraver/verify"
	"github.com/mstephenholl/engraver/writer"
)

// checkpointInterval is how often progress is persisted during a write
const checkpointInterval = time.Second

// WriteOptions describes a write job
type WriteOptions struct {
	// Source URI - local path or http(s) URL
	Source string

	// Target device path (or a plain file standing in for one)
	Target string

	// Config for the writer. Zero value means writer.DefaultConfig.
	Config writer.Config

	// Resume consults the checkpoint store for a prior interrupted
	// write of the same (source, target) pair
	Resume bool

	// Checkpoints is where progress is persisted. nil disables
	// checkpointing.
	Checkpoints *checkpoint.Manager

	// Unmount detaches the target's filesystems before opening it.
	// Only honoured when the target is a detected drive.
	Unmount bool

	// OnProgress is forwarded to the writer
	OnProgress writer.ProgressFunc
}

// Job is one prepared write operation
type Job struct {
	opts   WriteOptions
	writer *writer.Writer
}

// NewJob prepares a write job. Nothing is opened until Run.
func NewJob(opts WriteOptions) *Job {
	if opts.Config.BlockSize == 0 {
		opts.Config = writer.DefaultConfig()
	}
	return &Job{
		opts:   opts,
		writer: writer.New(opts.Config).OnProgress(opts.OnProgress),
	}
}

// Cancel stops the job at the next block boundary. Safe from any
// goroutine.
func (j *Job) Cancel() {
	j.writer.Cancel()
}

// Run executes the job. On cancellation it returns ErrCancelled with a
// non-nil result, after persisting a checkpoint when a manager is
// configured.
func (j *Job) Run() (*writer.Result, error) {
	opts := j.opts

	info, err := source.Validate(opts.Source)
	if err != nil {
		return nil, err
	}

	// The safety gate. A target that detection doesn't know is treated
	// as an image file and allowed; a known system drive is refused
	// with no way around it from here.
	drive := lookupDrive(opts.Target)
	if drive != nil && drive.IsSystem {
		return nil, errors.Wrapf(engraver.ErrSystemDriveProtection, "%s: %s", opts.Target, drive.SystemReason)
	}

	if drive != nil && opts.Unmount {
		if err := device.Unmount(opts.Target); err != nil {
			return nil, err
		}
	}

	devOpts := device.OpenOptions{
		Read:     true,
		Write:    true,
		DirectIO: drive != nil,
	}
	dev, err := device.Open(opts.Target, devOpts)
	if err != nil {
		return nil, err
	}
	defer func() { _ = dev.Close() }()

	if info.Size > 0 && info.Size > dev.Size() {
		return nil, &engraver.SizeMismatchError{SourceSize: info.Size, TargetSize: dev.Size()}
	}
	if opts.Config.BlockSize < dev.BlockSize() {
		return nil, errors.Wrapf(engraver.ErrInvalidConfig,
			"write block size %d is below the device logical block size %d", opts.Config.BlockSize, dev.BlockSize())
	}

	cp, offset, err := j.resumePoint(info, dev)
	if err != nil {
		return nil, err
	}

	src, err := source.OpenWithOffset(opts.Source, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = src.Close() }()

	result, werr := j.pump(src, dev, info, cp, offset)
	if werr != nil {
		return result, werr
	}

	if cp != nil && opts.Checkpoints != nil {
		if err := opts.Checkpoints.Remove(cp); err != nil {
			logrus.WithError(err).Warn("couldn't remove checkpoint after completed write")
		}
	}

	if opts.Config.VerifyAfterWrite {
		vres, err := j.verify(dev, result)
		if err != nil {
			return result, err
		}
		result.Verified = &vres.Success
		if !vres.Success {
			return result, &engraver.VerificationError{
				Offset:   vres.FirstMismatchOffset,
				Expected: "source bytes",
				Actual:   "device bytes",
			}
		}
	}
	return result, nil
}

// pump runs the writer with checkpointing wrapped around it
func (j *Job) pump(src *source.Source, dev *device.Device, info *source.Info, cp *checkpoint.Checkpoint, offset int64) (*writer.Result, error) {
	opts := j.opts
	blockSize := int64(opts.Config.BlockSize)

	if cp != nil && opts.Checkpoints != nil {
		lastSave := time.Now()
		inner := opts.OnProgress
		j.writer.OnProgress(func(p *writer.Progress) {
			if inner != nil {
				inner(p)
			}
			if time.Since(lastSave) >= checkpointInterval {
				cp.UpdateProgress(p.BytesWritten, p.BytesWritten/blockSize, p.Elapsed)
				if err := opts.Checkpoints.Save(cp); err != nil {
					logrus.WithError(err).Warn("couldn't save checkpoint")
				}
				lastSave = time.Now()
			}
		})
	}

	total := info.Size
	if total < 0 {
		total = 0
	}
	result, err := j.writer.WriteFromOffset(src, dev, total, offset)

	if err != nil && cp != nil && opts.Checkpoints != nil && result != nil {
		cp.UpdateProgress(result.BytesWritten, result.BytesWritten/blockSize, result.Elapsed)
		cp.AddRetries(result.RetryCount)
		if serr := opts.Checkpoints.Save(cp); serr != nil {
			logrus.WithError(serr).Warn("couldn't save checkpoint after interrupted write")
		}
	}
	return result, err
}

// resumePoint decides where the write starts and which checkpoint
// record tracks it
func (j *Job) resumePoint(info *source.Info, dev *device.Device) (*checkpoint.Checkpoint, int64, error) {
	opts := j.opts
	if opts.Checkpoints == nil {
		return nil, 0, nil
	}

	if opts.Resume {
		prior, err := opts.Checkpoints.Find(opts.Source, opts.Target)
		if err != nil {
			return nil, 0, err
		}
		if prior != nil {
			headerHash := ""
			if info.Seekable && prior.SourceHeaderHash != "" {
				if h, err := checkpoint.HeaderHash(opts.Source); err == nil {
					headerHash = h
				}
			}
			validation := checkpoint.Validate(prior, *info, dev.Size(), headerHash)
			for _, w := range validation.Warnings {
				logrus.Warn(w)
			}
			if validation.Valid {
				prior.MarkResumed()
				logrus.WithFields(logrus.Fields{
					"bytes_written": prior.BytesWritten,
					"resumes":       prior.ResumeCount,
				}).Info("resuming from checkpoint")
				return prior, prior.BytesWritten, nil
			}
			logrus.WithField("reasons", validation.Messages).Warn("checkpoint not resumable, starting over")
			_ = opts.Checkpoints.Remove(prior)
		}
	}

	cp := checkpoint.New(*info, opts.Target, dev.Size(), opts.Config)
	if info.Seekable {
		if h, err := checkpoint.HeaderHash(opts.Source); err == nil {
			cp.SourceHeaderHash = h
		}
	}
	return cp, 0, nil
}

// verify re-reads the device against a freshly opened source
func (j *Job) verify(dev *device.Device, result *writer.Result) (*verify.Result, error) {
	src, err := source.Open(j.opts.Source)
	if err != nil {
		return nil, errors.Wrap(err, "reopening source for verification")
	}
	defer func() { _ = src.Close() }()

	v := verify.New(verify.DefaultConfig())
	return v.VerifyWrite(src, dev, result.BytesWritten)
}

// lookupDrive finds the detected drive for a target path, nil when
// detection doesn't know it
func lookupDrive(target string) *detect.Drive {
	drives, err := detect.ListDrives()
	if err != nil {
		logrus.WithError(err).Debug("drive detection unavailable")
		return nil
	}
	for i := range drives {
		if drives[i].Path == target || drives[i].RawPath == target {
			return &drives[i]
		}
	}
	return nil
}

// Checksum streams a source through the chosen hash - the library half
// of a "checksum" command
func Checksum(uri string, algorithm hash.Type) (hash.Sum, error) {
	src, err := source.Open(uri)
	if err != nil {
		return hash.Sum{}, err
	}
	defer func() { _ = src.Close() }()

	info := src.Info()
	sizeHint := info.Size
	if sizeHint < 0 {
		sizeHint = 0
	}
	v := verify.New(verify.DefaultConfig())
	return v.CalculateChecksum(src, algorithm, sizeHint)
}

// VerifyAgainstSumFile checks a local file or device image against a
// checksum manifest, looking the filename up in both exact and
// basename form
func VerifyAgainstSumFile(uri string, sums io.Reader) error {
	entries, err := hash.ParseSumFile(sums)
	if err != nil {
		return err
	}
	entry, ok := hash.FindSum(entries, uri)
	if !ok {
		return errors.Wrapf(engraver.ErrInvalidData, "no checksum for %q in manifest", uri)
	}
	if entry.Type == hash.None {
		return errors.Wrapf(engraver.ErrInvalidData, "can't infer algorithm for %q", uri)
	}

	src, err := source.Open(uri)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	info := src.Info()
	sizeHint := info.Size
	if sizeHint < 0 {
		sizeHint = 0
	}
	v := verify.New(verify.DefaultConfig())
	return v.VerifyChecksum(src, entry.Type, entry.Sum, sizeHint)
}
