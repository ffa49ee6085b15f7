// Package devclass decodes the 24-bit Bluetooth Class of Device value and
// filters announced devices by major class.
//
// Bit layout (Bluetooth Assigned Numbers, "Class of Device"):
//
//	bits 0-1   format type
//	bits 2-7   minor device class
//	bits 8-12  major device class
//	bits 13-23 major service classes
package devclass

import (
	"fmt"
	"strings"
)

// AttributeName is the Device1 property carrying the class value.
const AttributeName = "Class"

// MajorClass is the 5-bit major device class.
type MajorClass uint8

const (
	Miscellaneous MajorClass = 0x00
	Computer      MajorClass = 0x01
	Phone         MajorClass = 0x02
	NetworkAccess MajorClass = 0x03
	AudioVideo    MajorClass = 0x04
	Peripheral    MajorClass = 0x05
	Imaging       MajorClass = 0x06
	Wearable      MajorClass = 0x07
	Toy           MajorClass = 0x08
	Health        MajorClass = 0x09
	Uncategorized MajorClass = 0x1F
)

var majorNames = map[MajorClass]string{
	Miscellaneous: "miscellaneous",
	Computer:      "computer",
	Phone:         "phone",
	NetworkAccess: "network_access",
	AudioVideo:    "audio_video",
	Peripheral:    "peripheral",
	Imaging:       "imaging",
	Wearable:      "wearable",
	Toy:           "toy",
	Health:        "health",
	Uncategorized: "uncategorized",
}

func (m MajorClass) String() string {
	if s, ok := majorNames[m]; ok {
		return s
	}
	return fmt.Sprintf("reserved(0x%02x)", uint8(m))
}

// ParseMajorClass maps a config name such as "phone" or "audio_video" to its
// major class. Matching is case-insensitive and accepts '-' for '_'.
func ParseMajorClass(name string) (MajorClass, error) {
	n := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	for m, s := range majorNames {
		if s == n {
			return m, nil
		}
	}
	return 0, fmt.Errorf("devclass: unknown major class %q", name)
}

// Class is a raw Class of Device value. Only the low 24 bits are meaningful.
type Class uint32

// UncategorizedClass is assumed when a device does not report a class.
const UncategorizedClass = Class(uint32(Uncategorized) << 8)

func (c Class) Format() uint8 { return uint8(c & 0x3) }

func (c Class) Minor() uint8 { return uint8((c >> 2) & 0x3F) }

func (c Class) Major() MajorClass { return MajorClass((c >> 8) & 0x1F) }

// Services returns the 11-bit major service class field.
func (c Class) Services() uint16 { return uint16((c >> 13) & 0x7FF) }

func (c Class) String() string {
	return fmt.Sprintf("0x%06x(%s)", uint32(c)&0xFFFFFF, c.Major())
}

// FromAttributes extracts the class from a Device1 property bag. A missing or
// mistyped entry yields UncategorizedClass.
func FromAttributes(attrs map[string]any) Class {
	v, ok := attrs[AttributeName]
	if !ok {
		return UncategorizedClass
	}
	switch n := v.(type) {
	case uint32:
		return Class(n)
	case Class:
		return n
	default:
		return UncategorizedClass
	}
}
