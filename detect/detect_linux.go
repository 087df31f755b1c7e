package detect

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/sirupsen/logrus"
)

const sysBlock = "/sys/block"

// listDrives walks /sys/block and joins in the mount table
func listDrives() ([]Drive, error) {
	entries, err := os.ReadDir(sysBlock)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", sysBlock)
	}

	mounts := mountsByDevice()
	labels := labelsByDevice()

	var drives []Drive
	for _, entry := range entries {
		name := entry.Name()
		if shouldSkipDevice(name) {
			continue
		}
		d, err := parseBlockDevice(name, mounts, labels)
		if err != nil {
			logrus.WithField("device", name).WithError(err).Debug("skipping unreadable block device")
			continue
		}
		drives = append(drives, d)
	}
	return drives, nil
}

// shouldSkipDevice filters pseudo and packet devices out of the
// listing
func shouldSkipDevice(name string) bool {
	for _, prefix := range []string{"loop", "ram", "zram", "dm-", "md", "sr", "fd"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func parseBlockDevice(name string, mounts map[string]string, labels map[string]string) (Drive, error) {
	sysPath := filepath.Join(sysBlock, name)

	size, err := readSysInt(filepath.Join(sysPath, "size"))
	if err != nil {
		return Drive{}, err
	}

	removable, _ := readSysInt(filepath.Join(sysPath, "removable"))

	vendor := readSysString(filepath.Join(sysPath, "device", "vendor"))
	model := readSysString(filepath.Join(sysPath, "device", "model"))

	d := Drive{
		Path:      "/dev/" + name,
		RawPath:   "/dev/" + name,
		Name:      strings.TrimSpace(vendor + " " + model),
		Size:      size * 512, // /sys sizes are in 512 byte sectors
		Removable: removable == 1,
		Type:      detectDriveType(name, sysPath),
	}

	d.Partitions = partitionsOf(name, sysPath, mounts, labels)
	classifySystem(&d)
	return d, nil
}

// partitionsOf finds the partition subdirectories of a device in sysfs
func partitionsOf(name, sysPath string, mounts map[string]string, labels map[string]string) []Partition {
	entries, err := os.ReadDir(sysPath)
	if err != nil {
		return nil
	}
	var partitions []Partition
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), name) {
			continue
		}
		devPath := "/dev/" + entry.Name()
		size, _ := readSysInt(filepath.Join(sysPath, entry.Name(), "size"))
		partitions = append(partitions, Partition{
			Path:       devPath,
			Size:       size * 512,
			MountPoint: mounts[devPath],
			Label:      labels[devPath],
		})
	}
	return partitions
}

// detectDriveType classifies from the device name and sysfs hints
func detectDriveType(name, sysPath string) DriveType {
	switch {
	case strings.HasPrefix(name, "nvme"):
		return TypeNVMe
	case strings.HasPrefix(name, "mmcblk"):
		return TypeSDCard
	case strings.HasPrefix(name, "vd"), strings.HasPrefix(name, "xvd"):
		return TypeVirtual
	}

	// The sysfs device path names the bus the disk hangs off
	if link, err := filepath.EvalSymlinks(filepath.Join(sysPath, "device")); err == nil {
		if strings.Contains(link, "/usb") {
			return TypeUSB
		}
	}

	rotational, err := readSysInt(filepath.Join(sysPath, "queue", "rotational"))
	if err == nil {
		if rotational == 1 {
			return TypeHDD
		}
		return TypeSSD
	}
	return TypeUnknown
}

// mountsByDevice maps device nodes to their mount points
func mountsByDevice() map[string]string {
	mounts := make(map[string]string)
	partitions, err := disk.Partitions(true)
	if err != nil {
		logrus.WithError(err).Warn("couldn't read mount table")
		return mounts
	}
	for _, p := range partitions {
		if !strings.HasPrefix(p.Device, "/dev/") {
			continue
		}
		// First mount wins, matching what the safety check cares about
		if _, seen := mounts[p.Device]; !seen {
			mounts[p.Device] = p.Mountpoint
		}
	}
	return mounts
}

// labelsByDevice inverts the /dev/disk/by-label symlink farm
func labelsByDevice() map[string]string {
	labels := make(map[string]string)
	const byLabel = "/dev/disk/by-label"
	entries, err := os.ReadDir(byLabel)
	if err != nil {
		return labels
	}
	for _, entry := range entries {
		target, err := filepath.EvalSymlinks(filepath.Join(byLabel, entry.Name()))
		if err != nil {
			continue
		}
		labels[target] = decodeLabel(entry.Name())
	}
	return labels
}

// decodeLabel undoes the \x20 style escaping udev applies to label
// names
func decodeLabel(label string) string {
	var b strings.Builder
	for i := 0; i < len(label); i++ {
		if label[i] == '\\' && i+3 < len(label) && label[i+1] == 'x' {
			if n, err := strconv.ParseUint(label[i+2:i+4], 16, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(label[i])
	}
	return b.String()
}

func readSysInt(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func readSysString(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
