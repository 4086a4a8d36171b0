package recorder

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"time"
)

// Event is one state-change notification from the host. Events are
// ephemeral: consumed once by the writer, then gone. Only the resulting
// state row persists.
type Event struct {
	// EntityID identifies the subject, "domain.object_id".
	EntityID string `json:"entity_id"`

	// OldState is the value before the change, empty for first sight.
	OldState string `json:"old_state,omitempty"`

	// NewState is the value after the change.
	NewState string `json:"new_state"`

	// Attributes is the opaque key-value payload accompanying the
	// state. Serialized to JSON and deduplicated by content hash.
	Attributes map[string]any `json:"attributes,omitempty"`

	// Timestamp is when the change happened.
	Timestamp time.Time `json:"timestamp"`
}

// serializeAttributes renders the attribute payload as canonical JSON
// and hashes it for deduplication. Go's JSON encoder emits map keys in
// sorted order, so equal payloads produce identical bytes.
//
// Returns:
//   - string: JSON payload
//   - uint32: FNV-1a hash of the payload
//   - error: If the payload is not serializable
func serializeAttributes(attrs map[string]any) (string, uint32, error) {
	if len(attrs) == 0 {
		return "{}", emptyAttrsHash, nil
	}

	raw, err := json.Marshal(attrs)
	if err != nil {
		return "", 0, fmt.Errorf("serializing attributes: %w", err)
	}
	return string(raw), hashAttributes(raw), nil
}

func hashAttributes(raw []byte) uint32 {
	h := fnv.New32a()
	//nolint:errcheck
	h.Write(raw)
	return h.Sum32()
}

var emptyAttrsHash = hashAttributes([]byte("{}"))
