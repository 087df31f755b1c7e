package engraver

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SizeSuffix is parsed by flag with K/M/G binary suffixes
type SizeSuffix int64

// Common multiples of a byte
const (
	Byte SizeSuffix = 1 << (iota * 10)
	KiByte
	MiByte
	GiByte
	TiByte
	PiByte
	EiByte
)

// Produces the number and the binary prefix, eg (10.100, "Gi")
func (x SizeSuffix) string() (string, string) {
	switch {
	case x < 0:
		return "off", ""
	case x == 0:
		return "0", ""
	case x < KiByte:
		return fmt.Sprintf("%d", x), ""
	}
	scaled := float64(x)
	suffix := ""
	for _, s := range []struct {
		divisor SizeSuffix
		suffix  string
	}{
		{EiByte, "Ei"},
		{PiByte, "Pi"},
		{TiByte, "Ti"},
		{GiByte, "Gi"},
		{MiByte, "Mi"},
		{KiByte, "Ki"},
	} {
		if x >= s.divisor {
			scaled = float64(x) / float64(s.divisor)
			suffix = s.suffix
			break
		}
	}
	if math.Floor(scaled) == scaled {
		return fmt.Sprintf("%.0f", scaled), suffix
	}
	return fmt.Sprintf("%.3f", scaled), suffix
}

// String turns SizeSuffix into a string, eg "4Mi"
func (x SizeSuffix) String() string {
	val, suffix := x.string()
	return val + suffix
}

// ByteUnit turns SizeSuffix into a string with a byte unit, eg "4 MiB"
func (x SizeSuffix) ByteUnit() string {
	if x < 0 {
		return "off"
	}
	val, suffix := x.string()
	return val + " " + suffix + "B"
}

// ByteRateUnit turns SizeSuffix into a string with a byte rate unit, eg
// "4 MiB/s"
func (x SizeSuffix) ByteRateUnit() string {
	if x < 0 {
		return "off"
	}
	return x.ByteUnit() + "/s"
}

var sizeSuffixMultipliers = map[string]SizeSuffix{
	"b": Byte, "B": Byte,
	"k": KiByte, "K": KiByte, "Ki": KiByte, "KiB": KiByte,
	"m": MiByte, "M": MiByte, "Mi": MiByte, "MiB": MiByte,
	"g": GiByte, "G": GiByte, "Gi": GiByte, "GiB": GiByte,
	"t": TiByte, "T": TiByte, "Ti": TiByte, "TiB": TiByte,
	"p": PiByte, "P": PiByte, "Pi": PiByte, "PiB": PiByte,
	"e": EiByte, "E": EiByte, "Ei": EiByte, "EiB": EiByte,
}

// Longest suffixes first so "KiB" wins over "B"
var sizeSuffixesByLength = func() []string {
	suffixes := make([]string, 0, len(sizeSuffixMultipliers))
	for suffix := range sizeSuffixMultipliers {
		suffixes = append(suffixes, suffix)
	}
	sort.Slice(suffixes, func(i, j int) bool {
		if len(suffixes[i]) != len(suffixes[j]) {
			return len(suffixes[i]) > len(suffixes[j])
		}
		return suffixes[i] < suffixes[j]
	})
	return suffixes
}()

// Set a SizeSuffix from a string. Bare numbers are in KiB for historical
// compatibility, "off" means unlimited.
func (x *SizeSuffix) Set(s string) error {
	if s == "" {
		return errors.New("empty string")
	}
	if strings.EqualFold(s, "off") {
		*x = -1
		return nil
	}
	multiplier := KiByte
	num := s
	for _, suffix := range sizeSuffixesByLength {
		if strings.HasSuffix(num, suffix) {
			multiplier = sizeSuffixMultipliers[suffix]
			num = num[:len(num)-len(suffix)]
			break
		}
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
	if err != nil {
		return errors.Wrapf(err, "bad size %q", s)
	}
	if value < 0 {
		return errors.Errorf("size can't be negative %q", s)
	}
	value *= float64(multiplier)
	if value >= math.MaxInt64 {
		return errors.Errorf("size %q is too large", s)
	}
	*x = SizeSuffix(value)
	return nil
}

// Type of the value for pflag
func (x *SizeSuffix) Type() string {
	return "SizeSuffix"
}
