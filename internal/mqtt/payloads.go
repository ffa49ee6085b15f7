package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"bluetooth-peer/internal/devclass"
	"bluetooth-peer/internal/device"
)

// DeviceEvent is the payload of the device added/removed topics.
type DeviceEvent struct {
	Event     string   `json:"event"`
	Device    string   `json:"device"`
	Name      string   `json:"name,omitempty"`
	Alias     string   `json:"alias,omitempty"`
	Class     string   `json:"class,omitempty"`
	Major     string   `json:"major,omitempty"`
	Paired    bool     `json:"paired"`
	Connected bool     `json:"connected"`
	UUIDs     []string `json:"uuids,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// SessionData is the payload of the session rx topic. Data is base64
// encoded by encoding/json.
type SessionData struct {
	Session   string `json:"session"`
	Device    string `json:"device,omitempty"`
	Size      int    `json:"size"`
	Data      []byte `json:"data"`
	Timestamp string `json:"timestamp"`
}

// SessionState is the payload of the session state topic.
type SessionState struct {
	Session   string `json:"session"`
	Device    string `json:"device,omitempty"`
	State     string `json:"state"`
	Timestamp string `json:"timestamp"`
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func deviceAddedPayload(id device.Identity, props device.Properties, now time.Time) ([]byte, error) {
	class := devclass.Class(props.Class)
	ev := DeviceEvent{
		Event:     "added",
		Device:    id.String(),
		Name:      props.Name,
		Alias:     props.Alias,
		Paired:    props.Paired,
		Connected: props.Connected,
		UUIDs:     props.UUIDs,
		Timestamp: timestamp(now),
	}
	if props.Class != 0 {
		ev.Class = fmt.Sprintf("0x%06x", props.Class)
		ev.Major = class.Major().String()
	}
	return json.Marshal(ev)
}

func deviceRemovedPayload(id device.Identity, now time.Time) ([]byte, error) {
	return json.Marshal(DeviceEvent{Event: "removed", Device: id.String(), Timestamp: timestamp(now)})
}

func sessionDataPayload(sessionID string, dev device.Identity, data []byte, now time.Time) ([]byte, error) {
	return json.Marshal(SessionData{
		Session:   sessionID,
		Device:    dev.String(),
		Size:      len(data),
		Data:      data,
		Timestamp: timestamp(now),
	})
}

func sessionStatePayload(sessionID string, dev device.Identity, state string, now time.Time) ([]byte, error) {
	return json.Marshal(SessionState{
		Session:   sessionID,
		Device:    dev.String(),
		State:     state,
		Timestamp: timestamp(now),
	})
}
