package device

import (
	"io"
	"os"
	"os/exec"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mstephenholl/engraver"
)

// ioctls from sys/disk.h
const (
	dkiocGetBlockSize  = 0x40046418 // DKIOCGETBLOCKSIZE, _IOR('d', 24, uint32_t)
	dkiocGetBlockCount = 0x40086419 // DKIOCGETBLOCKCOUNT, _IOR('d', 25, uint64_t)
)

// CanonicalRawPath prefers the raw character device - /dev/rdiskN
// bypasses the buffer cache where /dev/diskN doesn't.
func CanonicalRawPath(path string) string {
	if strings.HasPrefix(path, "/dev/disk") {
		return "/dev/rdisk" + path[len("/dev/disk"):]
	}
	return path
}

func openFile(path string, opt OpenOptions) (*os.File, error) {
	flags := unix.O_RDONLY
	switch {
	case opt.Read && opt.Write:
		flags = unix.O_RDWR
	case opt.Write:
		flags = unix.O_WRONLY
	}

	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		switch {
		case os.IsNotExist(err):
			return nil, errors.Wrap(engraver.ErrDeviceNotFound, path)
		case os.IsPermission(err):
			return nil, errors.Wrapf(engraver.ErrPermissionDenied, "%s (try running with sudo)", path)
		case errors.Is(err, unix.EBUSY):
			return nil, errors.Wrapf(engraver.ErrDeviceBusy, "%s (unmount it first)", path)
		}
		return nil, errors.Wrapf(err, "open %q", path)
	}

	if opt.DirectIO {
		if _, err := unix.FcntlInt(f.Fd(), unix.F_NOCACHE, 1); err != nil {
			logrus.WithField("path", path).WithError(err).Warn("F_NOCACHE failed, writes will go through the buffer cache")
		}
	}
	return f, nil
}

// deviceSize multiplies the block count by the block size, falling back
// to seeking to the end for regular files
func deviceSize(f *os.File) (int64, error) {
	var blockSize uint32
	var blockCount uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), dkiocGetBlockSize, uintptr(unsafe.Pointer(&blockSize)))
	if errno == 0 {
		_, _, errno = unix.Syscall(unix.SYS_IOCTL, f.Fd(), dkiocGetBlockCount, uintptr(unsafe.Pointer(&blockCount)))
		if errno == 0 && blockSize > 0 {
			return int64(blockCount) * int64(blockSize), nil
		}
	}

	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}
	return end, nil
}

func logicalBlockSize(f *os.File) int {
	var blockSize uint32
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), dkiocGetBlockSize, uintptr(unsafe.Pointer(&blockSize)))
	if errno != 0 || blockSize == 0 {
		return 512
	}
	return int(blockSize)
}

// Unmount detaches every volume on the disk with diskutil
func Unmount(path string) error {
	// diskutil wants the buffered node
	path = strings.Replace(path, "/dev/rdisk", "/dev/disk", 1)
	out, err := exec.Command("diskutil", "unmountDisk", path).CombinedOutput()
	if err != nil {
		return errors.Wrapf(engraver.ErrUnmountFailed, "diskutil unmountDisk %s: %s", path, strings.TrimSpace(string(out)))
	}
	logrus.WithField("path", path).Debug("unmounted disk")
	return nil
}

// SyncAll flushes all filesystem buffers system wide
func SyncAll() error {
	unix.Sync()
	return nil
}

// HasElevatedPrivileges reports whether raw device access is likely to
// be permitted
func HasElevatedPrivileges() bool {
	return os.Geteuid() == 0
}
