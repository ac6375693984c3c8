package collab

import (
	"errors"
	"fmt"
)

// the room worker exited between lookup and attach. the hub retries against
// a freshly created room.
var ErrRoomClosed = errors.New("room closed")

// errors.go provides the failure taxonomy for the collab package
//
// none of these are fatal to the process. auth and availability failures
// terminate the subscribe attempt only; reconciler rejections are always
// communicated back to the originator so the client can recover.

// bad or expired token. the subscribe is rejected but the connection stays
// open for retry.
type AuthFailureError struct {
	Reason string
}

func (self *AuthFailureError) Error() string {
	return fmt.Sprintf("auth failure: %s", self.Reason)
}

// the backing document store could not supply an initial snapshot.
// no partial room state is created.
type RoomUnavailableError struct {
	DocumentId Id
	Cause      error
}

func (self *RoomUnavailableError) Error() string {
	return fmt.Sprintf("room %s unavailable: %s", self.DocumentId, self.Cause)
}

func (self *RoomUnavailableError) Unwrap() error {
	return self.Cause
}

// the diff's base version is behind the room. recoverable by client rebase.
type StaleVersionError struct {
	BaseVersion    int64
	CurrentVersion int64
}

func (self *StaleVersionError) Error() string {
	return fmt.Sprintf("stale version: base %d behind current %d", self.BaseVersion, self.CurrentVersion)
}

// a structurally invalid message, or a diff ahead of the server version.
// logged as a client-bug signal.
type MalformedRequestError struct {
	Reason string
}

func (self *MalformedRequestError) Error() string {
	return fmt.Sprintf("malformed request: %s", self.Reason)
}

// the requested replay start precedes the retained journal window.
// answered with a full snapshot rather than surfaced to the client.
type RetentionExceededError struct {
	FromVersion    int64
	OldestRetained int64
}

func (self *RetentionExceededError) Error() string {
	return fmt.Sprintf("retention exceeded: from %d precedes retained %d", self.FromVersion, self.OldestRetained)
}
