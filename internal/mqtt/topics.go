package mqtt

import (
	"fmt"
	"strings"

	"bluetooth-peer/internal/device"
)

// DefaultTopicPrefix is used when the configured prefix is empty.
const DefaultTopicPrefix = "btpeerd"

// Topics builds btpeerd topic names under a common prefix.
//
//	topics := mqtt.Topics{Prefix: "lab"}
//	topics.DeviceAdded("AA:BB:CC:11:22:33")
//	// Returns: "lab/device/AA:BB:CC:11:22:33/added"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.TrimSuffix(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// Status is the retained online/offline topic, also used for the last will.
func (t Topics) Status() string {
	return t.prefix() + "/status"
}

// DeviceAdded is published when a device enters the registry.
func (t Topics) DeviceAdded(id device.Identity) string {
	return fmt.Sprintf("%s/device/%s/added", t.prefix(), id)
}

// DeviceRemoved is published when a device leaves the registry.
func (t Topics) DeviceRemoved(id device.Identity) string {
	return fmt.Sprintf("%s/device/%s/removed", t.prefix(), id)
}

// SessionRx carries data read on a session.
func (t Topics) SessionRx(sessionID string) string {
	return fmt.Sprintf("%s/session/%s/rx", t.prefix(), sessionID)
}

// SessionState carries session start and close events.
func (t Topics) SessionState(sessionID string) string {
	return fmt.Sprintf("%s/session/%s/state", t.prefix(), sessionID)
}
