package collab

import (
	"github.com/golang/glog"
)

// Presence events are fire-and-forget: never versioned, never journaled,
// never serialized through the room worker. A lost event self-heals on the
// next one. They read an immutable subscriber snapshot and fan out directly.

// BroadcastSelection relays a selection_change to every other subscriber.
// Selections computed against an older document version are dropped; the
// sender re-emits after it catches up.
func (self *Room) BroadcastSelection(sub *Subscriber, message *Message) {
	if message.DocVersion != self.Version() {
		glog.V(2).Infof("[room]%s drop stale selection dv=%d v=%d\n", self.documentId, message.DocVersion, self.Version())
		return
	}
	relay := message.Clone()
	relay.UserId = sub.UserId.String()
	relay.SessionId = sub.SessionId.String()
	for _, other := range self.subscriberSnapshot() {
		if other.SessionId != sub.SessionId {
			other.writer.WriteMessage(relay)
		}
	}
}

// broadcastParticipants sends the current participant list to every
// subscriber. Called whenever the subscriber set changes.
func (self *Room) broadcastParticipants() {
	message := &Message{
		Type:            MessageTypeConnections,
		ParticipantList: self.participantList(),
	}
	for _, sub := range self.subscriberSnapshot() {
		sub.writer.WriteMessage(message)
	}
}
