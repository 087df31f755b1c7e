package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalRawPath(t *testing.T) {
	assert.Equal(t, "/dev/sdb", CanonicalRawPath("/dev/sdb"))
	assert.Equal(t, "/dev/nvme0n1", CanonicalRawPath("/dev/nvme0n1"))
}

func TestPartitionOf(t *testing.T) {
	for _, test := range []struct {
		dev, path string
		want      bool
	}{
		{"/dev/sdb", "/dev/sdb", true},
		{"/dev/sdb1", "/dev/sdb", true},
		{"/dev/sdb12", "/dev/sdb", true},
		{"/dev/sdc1", "/dev/sdb", false},
		{"/dev/nvme0n1p2", "/dev/nvme0n1", true},
		{"/dev/mmcblk0p1", "/dev/mmcblk0", true},
		{"/dev/sdba", "/dev/sdb", false},
		{"/dev/sdb1x", "/dev/sdb", false},
	} {
		assert.Equal(t, test.want, partitionOf(test.dev, test.path), "%s of %s", test.dev, test.path)
	}
}

func TestUnescapeMount(t *testing.T) {
	assert.Equal(t, "/mnt/usb", unescapeMount("/mnt/usb"))
	assert.Equal(t, "/mnt/my disk", unescapeMount(`/mnt/my\040disk`))
	assert.Equal(t, `/mnt/back\slash`, unescapeMount(`/mnt/back\slash`))
}
