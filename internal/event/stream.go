// SPDX-License-Identifier: MIT

package event

// StreamID derives the logical stream key for an entity.
func StreamID(entityType, entityID string) string {
	return entityType + ":" + entityID
}

// StreamID returns the stream key for the event's entity reference, or ""
// when the event does not participate in a stream.
func (e Event) StreamID() string {
	if !e.HasEntity() {
		return ""
	}
	return StreamID(e.EntityType, e.EntityID)
}
