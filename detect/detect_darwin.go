package detect

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/disk"
)

// /dev/disk2s1 -> whole disk /dev/disk2
var diskSliceRe = regexp.MustCompile(`^(/dev/disk\d+)(s\d+)?$`)

// listDrives groups the mounted volumes by their whole disk node.
// Unmounted disks don't appear - macOS exposes drive metadata through
// diskutil, which the embedding application is better placed to
// interrogate.
func listDrives() ([]Drive, error) {
	partitions, err := disk.Partitions(true)
	if err != nil {
		return nil, errors.Wrap(err, "listing volumes")
	}

	byDisk := make(map[string]*Drive)
	var order []string
	for _, p := range partitions {
		groups := diskSliceRe.FindStringSubmatch(p.Device)
		if groups == nil {
			continue
		}
		wholeDisk := groups[1]
		d, ok := byDisk[wholeDisk]
		if !ok {
			d = &Drive{
				Path:    wholeDisk,
				RawPath: strings.Replace(wholeDisk, "/dev/disk", "/dev/rdisk", 1),
				// Internal vs external isn't visible from the mount
				// table alone; leave Removable false so nothing here
				// is auto-picked as a target
			}
			byDisk[wholeDisk] = d
			order = append(order, wholeDisk)
		}
		d.Partitions = append(d.Partitions, Partition{
			Path:       p.Device,
			MountPoint: p.Mountpoint,
		})
	}

	drives := make([]Drive, 0, len(order))
	for _, path := range order {
		d := byDisk[path]
		classifySystem(d)
		drives = append(drives, *d)
	}
	return drives, nil
}
