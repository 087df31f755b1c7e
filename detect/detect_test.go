package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSystemMountPoint(t *testing.T) {
	for _, test := range []struct {
		mount string
		want  bool
	}{
		{"/", true},
		{"/boot", true},
		{"/boot/efi", true},
		{"/usr", true},
		{"/home", true},
		{"/System", true},
		{`C:\`, true},
		{"C:", true},
		{"", false},
		{"/mnt/usb", false},
		{"/media/user/USB-STICK", false},
		{"/run/media/user/sdcard", false},
		{`D:\`, false},
	} {
		assert.Equal(t, test.want, IsSystemMountPoint(test.mount), "mount %q", test.mount)
	}
}

func TestClassifySystem(t *testing.T) {
	d := Drive{
		Path: "/dev/sda",
		Partitions: []Partition{
			{Path: "/dev/sda1", MountPoint: "/boot/efi"},
			{Path: "/dev/sda2", MountPoint: "/"},
		},
	}
	classifySystem(&d)
	assert.True(t, d.IsSystem)
	assert.NotEmpty(t, d.SystemReason)

	usb := Drive{
		Path:      "/dev/sdb",
		Removable: true,
		Partitions: []Partition{
			{Path: "/dev/sdb1", MountPoint: "/media/user/STICK"},
		},
	}
	classifySystem(&usb)
	assert.False(t, usb.IsSystem)
	assert.True(t, usb.IsSafeTarget())
}

func TestIsSafeTarget(t *testing.T) {
	assert.False(t, (&Drive{Removable: false, IsSystem: false}).IsSafeTarget())
	assert.False(t, (&Drive{Removable: true, IsSystem: true}).IsSafeTarget())
	assert.True(t, (&Drive{Removable: true, IsSystem: false}).IsSafeTarget())
}

func TestDriveDisplay(t *testing.T) {
	d := Drive{
		Path: "/dev/sdb",
		Name: "SanDisk Ultra",
		Size: 32 << 30,
		Type: TypeUSB,
	}
	assert.Equal(t, "32 GiB", d.SizeDisplay())
	assert.Equal(t, "/dev/sdb (SanDisk Ultra, 32 GiB)", d.DisplayName())

	anon := Drive{Path: "/dev/sdc", Type: TypeSDCard}
	assert.Equal(t, "unknown size", anon.SizeDisplay())
	assert.Equal(t, "/dev/sdc (SD drive, unknown size)", anon.DisplayName())
}

func TestDriveTypeString(t *testing.T) {
	assert.Equal(t, "USB", TypeUSB.String())
	assert.Equal(t, "NVMe", TypeNVMe.String())
	assert.Equal(t, "Unknown", TypeUnknown.String())
}
