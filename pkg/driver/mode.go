package driver

import (
	"bytes"

	"github.com/emergingrobotics/go-vpulink/pkg/mmio"
)

// Mode is the firmware phase the device is currently executing
type Mode int

const (
	ModeUnknown Mode = iota
	ModeBoot
	ModeSecondaryLoader
	ModeAppProtocolA
	ModeAppProtocolB
)

var modeSignatures = []struct {
	magic string
	mode  Mode
}{
	{MagicBoot, ModeBoot},
	{MagicSecondaryLoader, ModeSecondaryLoader},
	{MagicAppProtocolA, ModeAppProtocolA},
	{MagicAppProtocolB, ModeAppProtocolB},
}

// String returns the mode name
func (m Mode) String() string {
	switch m {
	case ModeBoot:
		return "boot"
	case ModeSecondaryLoader:
		return "secondary-loader"
	case ModeAppProtocolA:
		return "app-a"
	case ModeAppProtocolB:
		return "app-b"
	}
	return "unknown"
}

// IsApp reports whether the device is running application firmware
func (m Mode) IsApp() bool {
	return m == ModeAppProtocolA || m == ModeAppProtocolB
}

// ParseMode maps a mode name back to a Mode
func ParseMode(s string) (Mode, bool) {
	for _, m := range []Mode{ModeBoot, ModeSecondaryLoader, ModeAppProtocolA, ModeAppProtocolB} {
		if m.String() == s {
			return m, true
		}
	}
	return ModeUnknown, false
}

// ClassifyMagic matches a raw magic field against the known signatures.
// First match wins.
func ClassifyMagic(magic []byte) Mode {
	for _, sig := range modeSignatures {
		if bytes.HasPrefix(magic, []byte(sig.magic)) {
			return sig.mode
		}
	}
	return ModeUnknown
}

// DetectMode reads the magic field a word at a time. It never blocks and is safe while
// the device is resetting.
func DetectMode(r *mmio.Region) Mode {
	var magic [MagicLength]byte
	r.ReadWords(OffsetMagic, magic[:])
	return ClassifyMagic(magic[:])
}

// Version is the transport protocol version advertised by the device
type Version struct {
	Major uint8
	Minor uint8
	Build uint16
}

// ReadVersion reads the device version field
func ReadVersion(r *mmio.Region) Version {
	return Version{
		Major: r.Read8(OffsetVersion),
		Minor: r.Read8(OffsetVersion + 1),
		Build: r.Read16(OffsetVersion + 2),
	}
}

// HostVersion is the version this driver speaks
func HostVersion() Version {
	return Version{Major: VersionMajor, Minor: VersionMinor, Build: VersionBuild}
}

// Compatible reports whether major and minor match. There is no
// negotiation.
func (v Version) Compatible(o Version) bool {
	return v.Major == o.Major && v.Minor == o.Minor
}
