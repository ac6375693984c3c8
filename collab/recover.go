package collab

import (
	"sync"
)

// diffJournal retains the most recent confirmed diffs for a room so that a
// desynchronized client can catch up without a full document refetch.
// Retention is count-bounded; beyond the window recovery always answers with
// a full snapshot, trading bandwidth for bounded memory.
type diffJournal struct {
	stateLock sync.Mutex

	// confirmed diffs in confirmation order. each entry is stamped with
	// ServerVersion (the room version after applying it) and ServerFix,
	// so that repeated replays of the same range are byte-identical.
	diffs []*Message
	// room version before the first retained diff
	floor int64
	// room version after the last retained diff
	head int64

	historyLength int
}

func newDiffJournal(initialVersion int64, historyLength int) *diffJournal {
	return &diffJournal{
		diffs:         []*Message{},
		floor:         initialVersion,
		head:          initialVersion,
		historyLength: historyLength,
	}
}

// Append records a confirmed diff. The entry must already carry its
// ServerVersion tag. Called only from the room worker.
func (self *diffJournal) Append(diff *Message) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.diffs = append(self.diffs, diff)
	self.head = diff.ServerVersion
	if overflow := len(self.diffs) - self.historyLength; 0 < overflow {
		self.floor = self.diffs[overflow-1].ServerVersion
		self.diffs = append([]*Message{}, self.diffs[overflow:]...)
	}
}

// StepsSince returns the retained diffs that advance a client from
// `fromVersion` to the journal head, oldest first. A request from before the
// retained window returns RetentionExceededError and the caller falls back
// to a full snapshot.
func (self *diffJournal) StepsSince(fromVersion int64) ([]*Message, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.head < fromVersion {
		return nil, &MalformedRequestError{
			Reason: "resend from a version ahead of the room",
		}
	}
	if fromVersion < self.floor {
		return nil, &RetentionExceededError{
			FromVersion:    fromVersion,
			OldestRetained: self.floor,
		}
	}

	i := 0
	for i < len(self.diffs) && self.diffs[i].ServerVersion <= fromVersion {
		i += 1
	}
	return append([]*Message{}, self.diffs[i:]...), nil
}

func (self *diffJournal) Floor() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.floor
}

func (self *diffJournal) Head() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.head
}
