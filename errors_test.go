package engraver

import (
	"fmt"
	"io"
	"os"
	"syscall"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorStrings(t *testing.T) {
	err := &PartialWriteError{Expected: 4096, Actual: 2048}
	assert.Contains(t, err.Error(), "4096")
	assert.Contains(t, err.Error(), "2048")

	verr := &VerificationError{Offset: 1024, Expected: "ab", Actual: "cd"}
	assert.Contains(t, verr.Error(), "1024")
	assert.Contains(t, verr.Error(), "ab")
	assert.Contains(t, verr.Error(), "cd")

	serr := &SizeMismatchError{SourceSize: 1024, TargetSize: 512}
	assert.Contains(t, serr.Error(), "1024")
	assert.Contains(t, serr.Error(), "512")

	nerr := &NetworkError{Status: 404, Detail: "Not Found"}
	assert.Contains(t, nerr.Error(), "404")
	nerr = &NetworkError{Detail: "connection refused"}
	assert.Contains(t, nerr.Error(), "connection refused")
}

func TestErrorWrapping(t *testing.T) {
	err := errors.Wrap(ErrSourceNotFound, "/path/to/file.iso")
	assert.True(t, errors.Is(err, ErrSourceNotFound))
	assert.Contains(t, err.Error(), "/path/to/file.iso")

	err = fmt.Errorf("opening device: %w", ErrPermissionDenied)
	assert.True(t, errors.Is(err, ErrPermissionDenied))

	var partial *PartialWriteError
	err = errors.Wrap(&PartialWriteError{Expected: 8, Actual: 4}, "block 3")
	assert.True(t, errors.As(err, &partial))
	assert.Equal(t, 8, partial.Expected)
}

type temporaryError struct{}

func (temporaryError) Error() string   { return "temporary" }
func (temporaryError) Temporary() bool { return true }

func TestIsRetriable(t *testing.T) {
	for _, test := range []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrCancelled, false},
		{errors.Wrap(ErrCancelled, "writing block"), false},
		{ErrInvalidConfig, false},
		{&AlignmentError{Detail: "offset 3 not aligned to 512"}, false},
		{&PartialWriteError{Expected: 4096, Actual: 100}, true},
		{temporaryError{}, true},
		{syscall.EAGAIN, true},
		{syscall.EINTR, true},
		{syscall.EIO, true},
		{syscall.ENOSPC, false},
		{&os.PathError{Op: "write", Path: "/dev/sdb", Err: syscall.EIO}, true},
		{io.ErrUnexpectedEOF, true},
	} {
		assert.Equal(t, test.want, IsRetriable(test.err), "%v", test.err)
	}
}
