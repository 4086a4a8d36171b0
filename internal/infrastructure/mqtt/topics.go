package mqtt

import "fmt"

// Topic prefixes for the Chronicle MQTT namespace.
//
// All Chronicle topics live under a single root: chronicle/{category}/...
// Producers publish state-change events into the event category; Chronicle
// publishes its own liveness and commit signals under system and recorder.
const (
	// TopicPrefix is the root of the Chronicle topic namespace.
	TopicPrefix = "chronicle"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "chronicle/system"

	// TopicPrefixRecorder is the base for recorder signal topics.
	TopicPrefixRecorder = "chronicle/recorder"
)

// Topics provides builders for Chronicle MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	ingest := topics.EventState()
//	// Returns: "chronicle/event/state"
type Topics struct{}

// EventState returns the ingest topic for state-change events.
// Producers publish one JSON event per message; Chronicle records them
// in arrival order.
//
// Example: chronicle/event/state
func (Topics) EventState() string {
	return fmt.Sprintf("%s/event/state", TopicPrefix)
}

// StatisticImport returns the ingest topic for external statistics imports.
//
// Example: chronicle/statistic/import
func (Topics) StatisticImport() string {
	return fmt.Sprintf("%s/statistic/import", TopicPrefix)
}

// SystemStatus returns the system status topic. Chronicle publishes a
// retained online/offline payload here, and the broker publishes the
// LWT here on unexpected disconnect.
//
// Example: chronicle/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// RecorderCommitted returns the topic for commit signals. Chronicle
// publishes an empty-bodied message here after each batched commit so
// readers know fresh rows are visible.
//
// Example: chronicle/recorder/committed
func (Topics) RecorderCommitted() string {
	return fmt.Sprintf("%s/committed", TopicPrefixRecorder)
}

// AllEvents returns a pattern matching every event category topic.
//
// Pattern: chronicle/event/+
func (Topics) AllEvents() string {
	return fmt.Sprintf("%s/event/+", TopicPrefix)
}

// AllTopics returns a pattern matching all Chronicle topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: chronicle/#
func (Topics) AllTopics() string {
	return "chronicle/#"
}
