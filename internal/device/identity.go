package device

import "strings"

// Identity is the stable registry key of a remote device: its Bluetooth
// address as colon-separated hex octets, e.g. "AA:BB:CC:11:22:33".
type Identity string

// pathMarker precedes the address in BlueZ device object paths
// (/org/bluez/hci0/dev_AA_BB_CC_11_22_33).
const pathMarker = "/dev_"

// IdentityFromPath derives an Identity from a device object path. Paths
// without the marker segment, or whose address part is not six hex octets,
// yield the empty Identity. Octet case is kept as it appears in the path.
func IdentityFromPath(path string) Identity {
	idx := strings.Index(path, pathMarker)
	if idx < 0 {
		return ""
	}
	addr := path[idx+len(pathMarker):]
	if end := strings.IndexByte(addr, '/'); end >= 0 {
		addr = addr[:end]
	}
	octets := strings.Split(addr, "_")
	if len(octets) != 6 {
		return ""
	}
	for _, o := range octets {
		if len(o) != 2 || !isHex(o[0]) || !isHex(o[1]) {
			return ""
		}
	}
	return Identity(strings.Join(octets, ":"))
}

func isHex(b byte) bool {
	return ('0' <= b && b <= '9') || ('a' <= b && b <= 'f') || ('A' <= b && b <= 'F')
}

// Valid reports whether id is non-empty. Empty identities are never stored.
func (id Identity) Valid() bool { return id != "" }

func (id Identity) String() string { return string(id) }
