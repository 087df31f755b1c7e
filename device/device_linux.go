package device

import (
	"bufio"
	"io"
	"os"
	"strings"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/mstephenholl/engraver"
)

// How many times to retry an EBUSY open after an unmount, and how long
// to wait between attempts
const (
	busyOpenRetries = 5
	busyOpenDelay   = 200 * time.Millisecond
)

// CanonicalRawPath returns the path used for raw I/O. Linux uses block
// device nodes directly.
func CanonicalRawPath(path string) string {
	return path
}

// openFile opens the device node, mapping errnos onto the error
// taxonomy. EBUSY is retried a bounded number of times - the kernel can
// hold the device briefly after an unmount.
func openFile(path string, opt OpenOptions) (*os.File, error) {
	flags := unix.O_RDONLY
	switch {
	case opt.Read && opt.Write:
		flags = unix.O_RDWR
	case opt.Write:
		flags = unix.O_WRONLY
	}
	if opt.DirectIO {
		flags |= unix.O_DIRECT
	}

	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(path, flags, 0)
		if err == nil {
			return f, nil
		}
		switch {
		case os.IsNotExist(err):
			return nil, errors.Wrap(engraver.ErrDeviceNotFound, path)
		case os.IsPermission(err):
			return nil, errors.Wrapf(engraver.ErrPermissionDenied, "%s (try running as root)", path)
		case errors.Is(err, unix.EBUSY):
			if attempt < busyOpenRetries {
				logrus.WithField("path", path).Debug("device busy, retrying open")
				time.Sleep(busyOpenDelay)
				continue
			}
			return nil, errors.Wrapf(engraver.ErrDeviceBusy, "%s (unmount it first)", path)
		}
		return nil, errors.Wrapf(err, "open %q", path)
	}
}

// deviceSize asks the kernel with BLKGETSIZE64, falling back to seeking
// to the end for regular files
func deviceSize(f *os.File) (int64, error) {
	var size uint64
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), unix.BLKGETSIZE64, uintptr(unsafe.Pointer(&size)))
	if errno == 0 {
		return int64(size), nil
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

// logicalBlockSize asks the kernel with BLKSSZGET, 512 when it won't
// say
func logicalBlockSize(f *os.File) int {
	ssz, err := unix.IoctlGetInt(int(f.Fd()), unix.BLKSSZGET)
	if err != nil || ssz <= 0 {
		return 512
	}
	return ssz
}

// Unmount detaches every mounted partition of the device at path by
// walking the mount table.
func Unmount(path string) error {
	mounts, err := os.Open("/proc/self/mounts")
	if err != nil {
		return errors.Wrapf(engraver.ErrUnmountFailed, "reading mount table: %v", err)
	}
	defer func() { _ = mounts.Close() }()

	var failed []string
	scanner := bufio.NewScanner(mounts)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		dev, mountPoint := fields[0], fields[1]
		if !partitionOf(dev, path) {
			continue
		}
		// Mount points with spaces are octal escaped in the table
		mountPoint = unescapeMount(mountPoint)
		logrus.WithFields(logrus.Fields{
			"device": dev,
			"mount":  mountPoint,
		}).Debug("unmounting")
		if err := unix.Unmount(mountPoint, 0); err != nil {
			failed = append(failed, mountPoint+": "+err.Error())
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(engraver.ErrUnmountFailed, "reading mount table: %v", err)
	}
	if len(failed) > 0 {
		return errors.Wrapf(engraver.ErrUnmountFailed, "%s", strings.Join(failed, "; "))
	}
	return nil
}

// partitionOf reports whether dev is the device at path or one of its
// partitions - /dev/sdb1 of /dev/sdb, /dev/nvme0n1p2 or /dev/mmcblk0p1
// of their parents.
func partitionOf(dev, path string) bool {
	if dev == path {
		return true
	}
	if !strings.HasPrefix(dev, path) {
		return false
	}
	rest := dev[len(path):]
	if strings.HasPrefix(rest, "p") {
		rest = rest[1:]
	}
	if rest == "" {
		return false
	}
	for _, c := range rest {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// unescapeMount undoes the \040 style octal escaping in
// /proc/self/mounts
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	isOctal := func(c byte) bool { return c >= '0' && c <= '7' }
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) && isOctal(s[i+1]) && isOctal(s[i+2]) && isOctal(s[i+3]) {
			b.WriteByte((s[i+1]-'0')<<6 | (s[i+2]-'0')<<3 | (s[i+3] - '0'))
			i += 3
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
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
