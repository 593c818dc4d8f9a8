package mqtt

import "strings"

const DefaultTopicPrefix = "constellation"

// Topics builds the topic layout under a common prefix:
//
//	{prefix}/devices/announce
//	{prefix}/devices/{device_id}/heartbeat
//	{prefix}/devices/{device_id}/results
//	{prefix}/devices/{device_id}/status
//	{prefix}/devices/{device_id}/commands
type Topics struct {
	Prefix string
}

func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix}
}

func (t Topics) Announce() string { return t.Prefix + "/devices/announce" }

func (t Topics) Heartbeats() string { return t.Prefix + "/devices/+/heartbeat" }

func (t Topics) Results() string { return t.Prefix + "/devices/+/results" }

// Statuses carries session state, typically a retained "offline" last will.
func (t Topics) Statuses() string { return t.Prefix + "/devices/+/status" }

// Status is the topic a device should name as its last will.
func (t Topics) Status(deviceID string) string {
	return t.Prefix + "/devices/" + deviceID + "/status"
}

func (t Topics) Commands(deviceID string) string {
	return t.Prefix + "/devices/" + deviceID + "/commands"
}

// DeviceID extracts the device segment from a per-device topic.
func (t Topics) DeviceID(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.Prefix+"/devices/")
	if !ok {
		return "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", false
	}
	return parts[0], true
}
