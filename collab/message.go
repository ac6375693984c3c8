package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

// application-level protocol version carried on every envelope
const ProtocolVersion = 1

type MessageType string

const (
	// client to server
	MessageTypeSubscribe       MessageType = "subscribe"
	MessageTypeUnsubscribe     MessageType = "unsubscribe"
	MessageTypeDiff            MessageType = "diff"
	MessageTypeSelectionChange MessageType = "selection_change"
	MessageTypeRequestResend   MessageType = "request_resend"
	MessageTypeGetDocument     MessageType = "get_document"
	MessageTypeCheckVersion    MessageType = "check_version"

	// server to client
	MessageTypeWelcome        MessageType = "welcome"
	MessageTypeSubscribed     MessageType = "subscribed"
	MessageTypeDocData        MessageType = "doc_data"
	MessageTypeConfirmDiff    MessageType = "confirm_diff"
	MessageTypeRejectDiff     MessageType = "reject_diff"
	MessageTypeConfirmVersion MessageType = "confirm_version"
	MessageTypeConnections    MessageType = "connections"
	MessageTypePatchError     MessageType = "patch_error"
)

// codes attached to reject_diff and patch_error for observability
const (
	CodeStaleVersion     = "stale_version"
	CodeAheadOfServer    = "ahead_of_server"
	CodeAuthFailure      = "auth_failure"
	CodeRoomUnavailable  = "room_unavailable"
	CodeMalformedRequest = "malformed_request"
	CodePatchFailed      = "patch_failed"
)

// Message is the decoded form of one frame in either direction.
// The envelope fields `c` (highest client seq seen), `s` (server seq) and
// `v` (protocol version) are stamped by the connection at send time.
// All other fields are type-specific; see Validate for what each type
// requires.
type Message struct {
	Type MessageType `json:"type"`
	C    uint64      `json:"c,omitempty"`
	S    uint64      `json:"s,omitempty"`
	V    int         `json:"v,omitempty"`

	// subscribe / unsubscribe
	RoomId    string `json:"room_id,omitempty"`
	AuthToken string `json:"auth_token,omitempty"`
	// how many times this client has connected before. a client that
	// reconnects with a warm cache sets this >= 1 and is not resent the
	// full document
	Connection int `json:"connection,omitempty"`

	// diff
	Rid         uint64            `json:"rid,omitempty"`
	Cid         string            `json:"cid,omitempty"`
	BaseVersion int64             `json:"bv,omitempty"`
	Steps       []json.RawMessage `json:"ds,omitempty"`
	Title       *string           `json:"title,omitempty"`
	// version after applying, stamped on rebroadcast and journal replay
	ServerVersion int64 `json:"sv,omitempty"`
	// set on diffs replayed by the server rather than freshly broadcast
	ServerFix bool `json:"server_fix,omitempty"`

	// selection_change
	UserId     string `json:"id,omitempty"`
	SessionId  string `json:"session_id,omitempty"`
	Anchor     int    `json:"anchor,omitempty"`
	Head       int    `json:"head,omitempty"`
	DocVersion int64  `json:"dv,omitempty"`

	// request_resend / check_version
	From int64 `json:"from,omitempty"`

	// doc_data
	Doc     *DocData   `json:"doc,omitempty"`
	DocInfo *DocInfo   `json:"doc_info,omitempty"`
	M       []*Message `json:"m,omitempty"`
	Time    int64      `json:"time,omitempty"`

	// connections
	ParticipantList []*Participant `json:"participant_list,omitempty"`

	// reject_diff / patch_error
	Code      string `json:"code,omitempty"`
	ErrorText string `json:"message,omitempty"`
}

type DocData struct {
	Content json.RawMessage `json:"content"`
	Version int64           `json:"v"`
}

type DocInfo struct {
	Id        string    `json:"id"`
	SessionId string    `json:"session_id"`
	Updated   time.Time `json:"updated"`
	Version   int64     `json:"version"`
}

type Participant struct {
	Id        string `json:"id"`
	Name      string `json:"name"`
	SessionId string `json:"session_id"`
}

func ParseClientMessage(data []byte) (*Message, error) {
	message := &Message{}
	if err := json.Unmarshal(data, message); err != nil {
		return nil, &MalformedRequestError{Reason: err.Error()}
	}
	if err := message.Validate(); err != nil {
		return nil, err
	}
	return message, nil
}

// Validate checks the structural requirements of a client message.
// Version bookkeeping against room state is the reconciler's job, not here.
func (self *Message) Validate() error {
	switch self.Type {
	case MessageTypeSubscribe:
		if self.RoomId == "" {
			return &MalformedRequestError{Reason: "subscribe missing room_id"}
		}
		if self.AuthToken == "" {
			return &MalformedRequestError{Reason: "subscribe missing auth_token"}
		}
	case MessageTypeUnsubscribe:
		if self.RoomId == "" {
			return &MalformedRequestError{Reason: "unsubscribe missing room_id"}
		}
	case MessageTypeDiff:
		if self.Rid == 0 {
			return &MalformedRequestError{Reason: "diff missing rid"}
		}
		if self.BaseVersion < 0 {
			return &MalformedRequestError{Reason: fmt.Sprintf("diff negative base version %d", self.BaseVersion)}
		}
		for _, step := range self.Steps {
			if len(step) == 0 {
				return &MalformedRequestError{Reason: "diff contains empty step"}
			}
		}
	case MessageTypeSelectionChange:
		if self.SessionId == "" {
			return &MalformedRequestError{Reason: "selection_change missing session_id"}
		}
	case MessageTypeRequestResend, MessageTypeCheckVersion:
		if self.From < 0 {
			return &MalformedRequestError{Reason: fmt.Sprintf("negative from version %d", self.From)}
		}
	case MessageTypeGetDocument:
		// no fields
	default:
		return &MalformedRequestError{Reason: fmt.Sprintf("unknown message type %q", self.Type)}
	}
	return nil
}

// Clone returns a shallow copy. Steps and content payloads are shared;
// they are never mutated after decode.
func (self *Message) Clone() *Message {
	clone := *self
	return &clone
}

// MarshalEnvelope stamps the envelope fields onto a copy and encodes it.
// The receiver is not mutated so one message can be fanned out to many
// connections, each with its own sequence counters.
func (self *Message) MarshalEnvelope(clientSeq uint64, serverSeq uint64) ([]byte, error) {
	stamped := *self
	stamped.C = clientSeq
	stamped.S = serverSeq
	stamped.V = ProtocolVersion
	return json.Marshal(&stamped)
}
