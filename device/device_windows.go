package device

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/windows"

	"github.com/mstephenholl/engraver"
)

// Control codes not exposed by x/sys/windows
const (
	ioctlDiskGetLengthInfo          = 0x0007405c // IOCTL_DISK_GET_LENGTH_INFO
	ioctlVolumeGetVolumeDiskExtents = 0x00560000 // IOCTL_VOLUME_GET_VOLUME_DISK_EXTENTS
	fsctlLockVolume                 = 0x00090018 // FSCTL_LOCK_VOLUME
	fsctlDismountVolume             = 0x00090020 // FSCTL_DISMOUNT_VOLUME
)

// CanonicalRawPath turns "3" or "PhysicalDrive3" into
// \\.\PhysicalDrive3
func CanonicalRawPath(path string) string {
	if _, err := strconv.Atoi(path); err == nil {
		return `\\.\PhysicalDrive` + path
	}
	if strings.HasPrefix(strings.ToLower(path), "physicaldrive") {
		return `\\.\` + path
	}
	return path
}

func openFile(path string, opt OpenOptions) (*os.File, error) {
	var access uint32
	if opt.Read {
		access |= windows.GENERIC_READ
	}
	if opt.Write {
		access |= windows.GENERIC_WRITE
	}
	var flags uint32 = windows.FILE_ATTRIBUTE_NORMAL
	if opt.DirectIO {
		flags = windows.FILE_FLAG_NO_BUFFERING | windows.FILE_FLAG_WRITE_THROUGH
	}

	name, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, errors.Wrapf(err, "bad path %q", path)
	}
	handle, err := windows.CreateFile(name, access,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING, flags, 0)
	if err != nil {
		switch {
		case errors.Is(err, windows.ERROR_FILE_NOT_FOUND), errors.Is(err, windows.ERROR_PATH_NOT_FOUND):
			return nil, errors.Wrap(engraver.ErrDeviceNotFound, path)
		case errors.Is(err, windows.ERROR_ACCESS_DENIED):
			return nil, errors.Wrapf(engraver.ErrPermissionDenied, "%s (run as administrator)", path)
		case errors.Is(err, windows.ERROR_SHARING_VIOLATION):
			return nil, errors.Wrapf(engraver.ErrDeviceBusy, "%s (dismount its volumes first)", path)
		}
		return nil, errors.Wrapf(err, "open %q", path)
	}
	return os.NewFile(uintptr(handle), path), nil
}

// deviceSize asks for the disk length, falling back to seeking to the
// end for regular files
func deviceSize(f *os.File) (int64, error) {
	var length int64
	var returned uint32
	err := windows.DeviceIoControl(windows.Handle(f.Fd()), ioctlDiskGetLengthInfo,
		nil, 0, (*byte)(unsafe.Pointer(&length)), uint32(unsafe.Sizeof(length)), &returned, nil)
	if err == nil {
		return length, nil
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
	// Physical drives on modern Windows are almost always addressed in
	// 512 byte logical sectors; FILE_FLAG_NO_BUFFERING also demands
	// page alignment, so round up to the page size.
	return 4096
}

// diskNumber extracts N from \\.\PhysicalDriveN
func diskNumber(path string) (uint32, bool) {
	lower := strings.ToLower(path)
	i := strings.Index(lower, "physicaldrive")
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(path[i+len("physicaldrive"):])
	if err != nil || n < 0 {
		return 0, false
	}
	return uint32(n), true
}

// diskExtents is the fixed prefix of VOLUME_DISK_EXTENTS for a single
// extent volume
type diskExtents struct {
	NumberOfDiskExtents uint32
	_                   uint32
	DiskNumber          uint32
	_                   uint32
	StartingOffset      int64
	ExtentLength        int64
}

// Unmount locks and dismounts every volume whose extents live on the
// physical drive at path
func Unmount(path string) error {
	target, ok := diskNumber(CanonicalRawPath(path))
	if !ok {
		return errors.Wrapf(engraver.ErrUnmountFailed, "%q is not a physical drive", path)
	}

	var failed []string
	for letter := 'A'; letter <= 'Z'; letter++ {
		volumePath := fmt.Sprintf(`\\.\%c:`, letter)
		name, err := windows.UTF16PtrFromString(volumePath)
		if err != nil {
			continue
		}
		handle, err := windows.CreateFile(name, windows.GENERIC_READ|windows.GENERIC_WRITE,
			windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
			nil, windows.OPEN_EXISTING, 0, 0)
		if err != nil {
			continue
		}

		var extents diskExtents
		var returned uint32
		err = windows.DeviceIoControl(handle, ioctlVolumeGetVolumeDiskExtents,
			nil, 0, (*byte)(unsafe.Pointer(&extents)), uint32(unsafe.Sizeof(extents)), &returned, nil)
		if err != nil || extents.NumberOfDiskExtents == 0 || extents.DiskNumber != target {
			_ = windows.CloseHandle(handle)
			continue
		}

		logrus.WithField("volume", volumePath).Debug("dismounting volume")
		if err := windows.DeviceIoControl(handle, fsctlLockVolume, nil, 0, nil, 0, &returned, nil); err != nil {
			failed = append(failed, volumePath+": lock: "+err.Error())
			_ = windows.CloseHandle(handle)
			continue
		}
		if err := windows.DeviceIoControl(handle, fsctlDismountVolume, nil, 0, nil, 0, &returned, nil); err != nil {
			failed = append(failed, volumePath+": dismount: "+err.Error())
		}
		_ = windows.CloseHandle(handle)
	}

	if len(failed) > 0 {
		return errors.Wrapf(engraver.ErrUnmountFailed, "%s", strings.Join(failed, "; "))
	}
	return nil
}

// SyncAll has no system wide equivalent on Windows; per device flushes
// happen through Device.Sync
func SyncAll() error {
	return nil
}

// HasElevatedPrivileges reports whether the process token is elevated
func HasElevatedPrivileges() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}
