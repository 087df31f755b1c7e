package detect

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/yusufpapurcu/wmi"
)

// win32DiskDrive is the WMI projection of a physical disk
type win32DiskDrive struct {
	Index         uint32
	DeviceID      string
	Model         string
	InterfaceType string
	MediaType     string
	Size          uint64
}

// listDrives queries WMI for physical disks
func listDrives() ([]Drive, error) {
	var disks []win32DiskDrive
	if err := wmi.Query("SELECT Index, DeviceID, Model, InterfaceType, MediaType, Size FROM Win32_DiskDrive", &disks); err != nil {
		return nil, errors.Wrap(err, "querying Win32_DiskDrive")
	}

	drives := make([]Drive, 0, len(disks))
	for _, d := range disks {
		path := fmt.Sprintf(`\\.\PhysicalDrive%d`, d.Index)
		drive := Drive{
			Path:      path,
			RawPath:   path,
			Name:      strings.TrimSpace(d.Model),
			Size:      int64(d.Size),
			Removable: isRemovableMedia(d),
			Type:      driveTypeOf(d),
		}
		// Mapping volumes to disk extents needs device I/O control
		// handles; without them the conservative call is to treat the
		// boot disk as the system disk
		if d.Index == 0 {
			drive.IsSystem = true
			drive.SystemReason = "disk 0 hosts the Windows system partition"
		}
		drives = append(drives, drive)
	}
	return drives, nil
}

func isRemovableMedia(d win32DiskDrive) bool {
	if strings.EqualFold(d.InterfaceType, "USB") {
		return true
	}
	return strings.Contains(strings.ToLower(d.MediaType), "removable")
}

func driveTypeOf(d win32DiskDrive) DriveType {
	switch {
	case strings.EqualFold(d.InterfaceType, "USB"):
		return TypeUSB
	case strings.Contains(strings.ToLower(d.Model), "nvme"):
		return TypeNVMe
	case strings.Contains(strings.ToLower(d.Model), "virtual"):
		return TypeVirtual
	}
	return TypeUnknown
}
