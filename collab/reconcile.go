package collab

import (
	"encoding/json"
	"time"

	"github.com/golang/glog"
)

// ContentApplier materializes confirmed steps into the opaque content tree.
// The engine never interprets steps itself; schema-aware application belongs
// to the deployment (the rich-text schema is an external collaborator).
// `materialized` reports whether the returned content reflects the steps; a
// passthrough applier leaves content at its base and returns false, and the
// room then serves doc_data as base content plus trailing confirmed diffs.
// An Apply error triggers the patch_error reset path.
type ContentApplier interface {
	Apply(content json.RawMessage, steps []json.RawMessage) (next json.RawMessage, materialized bool, err error)
}

type ContentApplierFunc func(content json.RawMessage, steps []json.RawMessage) (json.RawMessage, bool, error)

func (self ContentApplierFunc) Apply(content json.RawMessage, steps []json.RawMessage) (json.RawMessage, bool, error) {
	return self(content, steps)
}

// PassthroughApplier leaves content at its loaded base. Deployments that
// materialize content elsewhere (or persist the step log) use this; the
// engine's version bookkeeping is identical either way.
func PassthroughApplier() ContentApplier {
	return ContentApplierFunc(func(content json.RawMessage, steps []json.RawMessage) (json.RawMessage, bool, error) {
		return content, false, nil
	})
}

// handleDiff validates one diff request against the current version and
// emits exactly one of confirm_diff/reject_diff to the sender.
// Runs only on the room worker.
func (self *Room) handleDiff(sub *Subscriber, message *Message) {
	if sub.ReadOnly {
		// read-only sessions cannot edit. correct clients never send this
		glog.V(1).Infof("[room]%s drop diff from read-only session %s\n", self.documentId, sub.SessionId)
		return
	}

	current := self.snapshot.Version
	switch {
	case message.BaseVersion == current:
		self.confirmDiff(sub, message)
	case message.BaseVersion < current:
		// computed against stale state. never silently merged; the client
		// rebases against the current version and resubmits
		glog.V(1).Infof("[room]%s reject stale diff rid=%d bv=%d v=%d\n", self.documentId, message.Rid, message.BaseVersion, current)
		sub.writer.WriteMessage(&Message{
			Type: MessageTypeRejectDiff,
			Rid:  message.Rid,
			Code: CodeStaleVersion,
		})
	default:
		// client ahead of server. should not occur under correct clients
		glog.Infof("[room]%s reject diff ahead of server rid=%d bv=%d v=%d\n", self.documentId, message.Rid, message.BaseVersion, current)
		sub.writer.WriteMessage(&Message{
			Type: MessageTypeRejectDiff,
			Rid:  message.Rid,
			Code: CodeAheadOfServer,
		})
	}
}

func (self *Room) confirmDiff(sub *Subscriber, message *Message) {
	nextVersion := self.snapshot.Version + int64(len(message.Steps))

	content := self.snapshot.Content
	contentVersion := self.snapshot.ContentVersion
	if 0 < len(message.Steps) {
		applied, materialized, err := self.applier.Apply(content, message.Steps)
		if err != nil {
			glog.Infof("[room]%s patch error rid=%d = %s\n", self.documentId, message.Rid, err)
			self.resetCollaboration(sub, message)
			return
		}
		content = applied
		if materialized {
			contentVersion = nextVersion
		}
	}

	next := self.snapshot.Clone()
	next.Content = content
	next.Version = nextVersion
	next.ContentVersion = contentVersion
	next.Updated = time.Now().UTC()
	if message.Title != nil {
		// title updates apply unconditionally alongside content
		next.Title = *message.Title
	}
	self.setSnapshot(next)
	self.lastEditedBy = sub.UserId

	rebroadcast := message.Clone()
	rebroadcast.ServerVersion = nextVersion

	journalEntry := rebroadcast.Clone()
	journalEntry.ServerFix = true
	self.journal.Append(journalEntry)

	sub.writer.WriteMessage(&Message{
		Type: MessageTypeConfirmDiff,
		Rid:  message.Rid,
	})
	sub.ackedVersion = nextVersion

	self.broadcastExcept(sub.SessionId, rebroadcast, nextVersion)

	glog.V(2).Infof("[room]%s confirm rid=%d v=%d steps=%d\n", self.documentId, message.Rid, nextVersion, len(message.Steps))

	if self.settings.SaveInterval <= nextVersion-self.lastSavedVersion {
		self.requestSave(next, sub.UserId)
		self.lastSavedVersion = nextVersion
	}
}

// resetCollaboration handles a failed step application: the sender gets
// patch_error, every other subscriber is resent the full document so no one
// diverges from the authoritative state.
func (self *Room) resetCollaboration(sub *Subscriber, message *Message) {
	patchError := &Message{
		Type: MessageTypePatchError,
		Rid:  message.Rid,
		Code: CodePatchFailed,
	}
	sub.writer.WriteMessage(patchError)
	for _, other := range self.subscribers {
		if other.SessionId != sub.SessionId {
			self.sendDocument(other)
			other.writer.WriteMessage(patchError)
		}
	}
}
