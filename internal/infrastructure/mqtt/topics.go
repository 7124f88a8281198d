package mqtt

import "strings"

// DefaultTopicPrefix is used when the configured prefix is empty.
const DefaultTopicPrefix = "zwaverelay"

// Topics builds the relay's MQTT topics under a configurable prefix.
//
//	topics := mqtt.Topics{Prefix: "zwaverelay"}
//	topics.Event("NODE_ADDED")  // "zwaverelay/events/NODE_ADDED"
//	topics.SystemStatus()       // "zwaverelay/system/status"
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// Event returns the topic a broadcast event of the given type is mirrored to.
func (t Topics) Event(eventType string) string {
	return t.prefix() + "/events/" + eventType
}

// AllEvents returns the wildcard topic matching every mirrored event.
func (t Topics) AllEvents() string {
	return t.prefix() + "/events/+"
}

// SystemStatus returns the retained online/offline status topic.
// It is also the Last Will topic.
func (t Topics) SystemStatus() string {
	return t.prefix() + "/system/status"
}
