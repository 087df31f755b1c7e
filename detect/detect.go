// Package detect enumerates the block devices attached to the machine
// and classifies which are safe to write an image to.
//
// The classification is the safety gate for the whole tool - a drive
// hosting a system mount point is flagged IsSystem and the core will
// refuse to open it for writing, with no override from inside the
// library.
package detect

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/mstephenholl/engraver"
)

// DriveType is the broad class of a drive
type DriveType int

// Drive types
const (
	TypeUnknown DriveType = iota
	TypeUSB
	TypeSDCard
	TypeHDD
	TypeSSD
	TypeNVMe
	TypeVirtual
)

// String returns a short name for the drive type
func (t DriveType) String() string {
	switch t {
	case TypeUSB:
		return "USB"
	case TypeSDCard:
		return "SD"
	case TypeHDD:
		return "HDD"
	case TypeSSD:
		return "SSD"
	case TypeNVMe:
		return "NVMe"
	case TypeVirtual:
		return "Virtual"
	}
	return "Unknown"
}

// Partition is one partition of a drive
type Partition struct {
	// Path of the partition node, eg /dev/sdb1
	Path string

	// Size in bytes
	Size int64

	// MountPoint where it is mounted, empty if not mounted
	MountPoint string

	// Label is the filesystem label, if any
	Label string
}

// Drive describes one attached drive
type Drive struct {
	// Path of the whole-disk node, eg /dev/sdb or \\.\PhysicalDrive1
	Path string

	// RawPath is the node to use for raw I/O where it differs
	// (/dev/rdiskN on macOS)
	RawPath string

	// Name is a human readable vendor/model string
	Name string

	// Size in bytes, 0 when it couldn't be discovered
	Size int64

	// Removable is what the OS believes about the medium
	Removable bool

	// IsSystem means the drive hosts the operating system or a system
	// mount point. System drives are never safe targets.
	IsSystem bool

	// SystemReason says why IsSystem was set
	SystemReason string

	// Type of the drive
	Type DriveType

	// Partitions on the drive
	Partitions []Partition
}

// IsSafeTarget reports whether writing an image to this drive is
// reasonable - removable media that isn't hosting the system
func (d *Drive) IsSafeTarget() bool {
	return d.Removable && !d.IsSystem
}

// DisplayName is a one line description for pickers and logs
func (d *Drive) DisplayName() string {
	name := d.Name
	if name == "" {
		name = d.Type.String() + " drive"
	}
	return fmt.Sprintf("%s (%s, %s)", d.Path, name, d.SizeDisplay())
}

// SizeDisplay formats the size, eg "32 GiB"
func (d *Drive) SizeDisplay() string {
	if d.Size <= 0 {
		return "unknown size"
	}
	return engraver.SizeSuffix(d.Size).ByteUnit()
}

// systemMountPoints are mount points which mark the drive below them
// as hosting the system
var systemMountPoints = []string{
	"/",
	"/boot",
	"/boot/efi",
	"/efi",
	"/usr",
	"/var",
	"/etc",
	"/home",
	"/System",
	"/System/Volumes/Data",
	"/private/var",
}

// IsSystemMountPoint reports whether a mount point implies the drive
// hosts the operating system
func IsSystemMountPoint(mountPoint string) bool {
	if mountPoint == "" {
		return false
	}
	for _, sys := range systemMountPoints {
		if mountPoint == sys {
			return true
		}
	}
	// Windows system drive, typically C:\
	upper := strings.ToUpper(strings.TrimRight(mountPoint, `\`))
	return upper == "C:"
}

// classifySystem fills IsSystem/SystemReason from the partition mount
// points
func classifySystem(d *Drive) {
	for _, p := range d.Partitions {
		if IsSystemMountPoint(p.MountPoint) {
			d.IsSystem = true
			d.SystemReason = fmt.Sprintf("hosts system mount point %s", p.MountPoint)
			return
		}
	}
}

// ListDrives returns every drive the platform reports
func ListDrives() ([]Drive, error) {
	return listDrives()
}

// ListRemovableDrives returns only drives with removable media
func ListRemovableDrives() ([]Drive, error) {
	drives, err := listDrives()
	if err != nil {
		return nil, err
	}
	removable := drives[:0]
	for _, d := range drives {
		if d.Removable {
			removable = append(removable, d)
		}
	}
	return removable, nil
}

// ValidateTarget resolves a device path to a known drive and refuses
// system drives. This is the gate the orchestrator runs before handing
// the path to the device layer.
func ValidateTarget(path string) (*Drive, error) {
	drives, err := listDrives()
	if err != nil {
		return nil, err
	}
	for i := range drives {
		d := &drives[i]
		if d.Path != path && d.RawPath != path {
			continue
		}
		if d.IsSystem {
			return nil, errors.Wrapf(engraver.ErrSystemDriveProtection, "%s: %s", path, d.SystemReason)
		}
		return d, nil
	}
	// The path might name a partition of a known drive - refuse those
	// too, images go to whole disks
	for i := range drives {
		for _, p := range drives[i].Partitions {
			if p.Path == path {
				return nil, errors.Wrapf(engraver.ErrDeviceNotFound,
					"%s is a partition, use the whole disk %s", path, drives[i].Path)
			}
		}
	}
	return nil, errors.Wrap(engraver.ErrDeviceNotFound, path)
}
