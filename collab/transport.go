package collab

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type TransportSettings struct {
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	PingTimeout  time.Duration `yaml:"ping_timeout"`
	// outbound messages queued per connection before the connection is
	// considered too slow and torn down
	SendBufferSize int `yaml:"send_buffer_size"`
	// sent messages retained for connection-level replay
	ResendBufferSize int   `yaml:"resend_buffer_size"`
	MaxMessageSize   int64 `yaml:"max_message_size"`
	ReadBufferSize   int   `yaml:"read_buffer_size"`
	WriteBufferSize  int   `yaml:"write_buffer_size"`
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingTimeout:      20 * time.Second,
		SendBufferSize:   64,
		ResendBufferSize: 10,
		MaxMessageSize:   4 * 1024 * 1024,
		ReadBufferSize:   4 * 1024,
		WriteBufferSize:  4 * 1024,
	}
}

// Upgrader returns the websocket upgrader for the collab endpoint.
// Origin checking is the platform proxy's job.
func Upgrader(settings *TransportSettings) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  settings.ReadBufferSize,
		WriteBufferSize: settings.WriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Conn is one client connection. It owns the read loop, the write pump, and
// the connection-level sequence bookkeeping: every outbound message carries
// `c` (highest client seq accepted) and `s` (server seq), the last few sent
// messages are retained for replay, duplicate client messages are dropped,
// and a gap in client seq triggers a request_resend back to the client.
// Room-level recovery (missed versions) is the room journal's job, not ours.
type Conn struct {
	ctx    context.Context
	cancel context.CancelFunc

	hub      *Hub
	ws       *websocket.Conn
	settings *TransportSettings

	send chan []byte

	stateLock sync.Mutex
	clientSeq uint64
	serverSeq uint64
	lastSent  []*Message
	room      *Room
	sub       *Subscriber
}

func NewConnWithDefaults(ctx context.Context, hub *Hub, ws *websocket.Conn) *Conn {
	return NewConn(ctx, hub, ws, DefaultTransportSettings())
}

func NewConn(ctx context.Context, hub *Hub, ws *websocket.Conn, settings *TransportSettings) *Conn {
	cancelCtx, cancel := context.WithCancel(ctx)
	conn := &Conn{
		ctx:      cancelCtx,
		cancel:   cancel,
		hub:      hub,
		ws:       ws,
		settings: settings,
		send:     make(chan []byte, settings.SendBufferSize),
		lastSent: []*Message{},
	}
	go conn.run()
	return conn
}

func (self *Conn) run() {
	defer self.close()

	go self.writePump()
	self.WriteMessage(&Message{Type: MessageTypeWelcome})
	self.readLoop()
}

// WriteMessage stamps and enqueues a server message for this connection.
// Stamping happens at enqueue time under stateLock, so the sequence order on
// the wire always equals the stamping order even across a replay rollback.
// It never blocks a room worker: a connection that cannot drain its buffer
// is torn down and the client recovers via resend on reconnect.
func (self *Conn) WriteMessage(message *Message) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.writeLocked(message)
}

// stateLock held
func (self *Conn) writeLocked(message *Message) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}

	self.serverSeq += 1
	self.lastSent = append(self.lastSent, message)
	if overflow := len(self.lastSent) - self.settings.ResendBufferSize; 0 < overflow {
		self.lastSent = append([]*Message{}, self.lastSent[overflow:]...)
	}
	data, err := message.MarshalEnvelope(self.clientSeq, self.serverSeq)
	if err != nil {
		glog.Infof("[ws]-> encode error = %s\n", err)
		self.cancel()
		return false
	}

	select {
	case self.send <- data:
		glog.V(2).Infof("[ws]-> %s s=%d\n", message.Type, self.serverSeq)
		return true
	default:
		glog.Infof("[ws]drop slow consumer\n")
		self.cancel()
		return false
	}
}

func (self *Conn) writePump() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case data := <-self.send:
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				// a deadline timeout cannot be recovered on a websocket
				glog.V(1).Infof("[ws]-> error = %s\n", err)
				return
			}
		case <-time.After(self.settings.PingTimeout):
			self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := self.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(self.settings.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (self *Conn) readLoop() {
	self.ws.SetReadLimit(self.settings.MaxMessageSize)
	self.ws.SetPongHandler(func(string) error {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, data, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[ws]<- error = %s\n", err)
			return
		}
		if messageType != websocket.TextMessage {
			glog.V(2).Infof("[ws]<- other=%d\n", messageType)
			continue
		}

		message, err := ParseClientMessage(data)
		if err != nil {
			glog.Infof("[ws]<- %s\n", err)
			self.WriteMessage(&Message{
				Type:      MessageTypePatchError,
				Code:      CodeMalformedRequest,
				ErrorText: err.Error(),
			})
			continue
		}
		self.handleMessage(message)
	}
}

func (self *Conn) handleMessage(message *Message) {
	glog.V(2).Infof("[ws]<- %s\n", message.Type)

	// room-level recovery skips the connection sequence checks so that a
	// desynchronized client can always reach it
	if message.Type == MessageTypeRequestResend {
		room, sub := self.subscription()
		if room == nil {
			glog.V(1).Infof("[ws]resend with no subscription\n")
			return
		}
		room.Resend(sub, message.From)
		return
	}

	self.stateLock.Lock()
	expected := self.clientSeq + 1
	switch {
	case message.C < expected:
		// received at least once already. ignore
		self.stateLock.Unlock()
		return
	case expected < message.C:
		// a client message was lost. ask the client to replay
		from := int64(self.clientSeq)
		self.stateLock.Unlock()
		glog.V(1).Infof("[ws]client seq gap, request resend from %d\n", from)
		self.WriteMessage(&Message{
			Type: MessageTypeRequestResend,
			From: from,
		})
		return
	case message.S < self.serverSeq:
		// the client has not seen our latest messages. replay them and
		// reject any diff so it resubmits against what it missed.
		// rollback and restamp happen under one lock acquisition so a
		// concurrent broadcast cannot land inside the replayed range
		lag := int(self.serverSeq - message.S)
		self.clientSeq += 1
		replayed := self.replayLastLocked(lag)
		self.stateLock.Unlock()
		if !replayed {
			// more lost than buffered, fall back to the full document
			glog.V(1).Infof("[ws]too many lost messages (%d), send full document\n", lag)
			if room, sub := self.subscription(); room != nil {
				room.SendDocument(sub)
			}
		}
		if message.Type == MessageTypeDiff {
			self.WriteMessage(&Message{
				Type: MessageTypeRejectDiff,
				Rid:  message.Rid,
				Code: CodeStaleVersion,
			})
		}
		return
	default:
		self.clientSeq += 1
		self.stateLock.Unlock()
	}

	self.dispatch(message)
}

func (self *Conn) dispatch(message *Message) {
	if message.Type == MessageTypeSubscribe {
		self.subscribe(message)
		return
	}

	room, sub := self.subscription()
	if room == nil {
		// diffs and presence only travel on an already-subscribed connection
		glog.V(1).Infof("[ws]drop %s with no subscription\n", message.Type)
		return
	}

	switch message.Type {
	case MessageTypeUnsubscribe:
		self.detach()
	case MessageTypeDiff:
		room.SubmitDiff(sub, message)
	case MessageTypeSelectionChange:
		room.BroadcastSelection(sub, message)
	case MessageTypeGetDocument:
		room.SendDocument(sub)
	case MessageTypeCheckVersion:
		room.CheckVersion(sub, message.From)
	}
}

func (self *Conn) subscribe(message *Message) {
	if room, _ := self.subscription(); room != nil {
		glog.V(1).Infof("[ws]already subscribed\n")
		return
	}

	room, sub, err := self.hub.Subscribe(self.ctx, self, message)
	if err != nil {
		glog.Infof("[ws]subscribe error = %s\n", err)
		self.WriteMessage(&Message{
			Type:      MessageTypePatchError,
			Code:      subscribeErrorCode(err),
			ErrorText: err.Error(),
		})
		return
	}

	self.stateLock.Lock()
	self.room = room
	self.sub = sub
	self.stateLock.Unlock()
}

func subscribeErrorCode(err error) string {
	var authFailure *AuthFailureError
	var roomUnavailable *RoomUnavailableError
	switch {
	case errors.As(err, &authFailure):
		return CodeAuthFailure
	case errors.As(err, &roomUnavailable):
		return CodeRoomUnavailable
	default:
		return CodeMalformedRequest
	}
}

// replayLastLocked re-sends the most recent n messages with their original
// server seqs. Returns false when more than the retained buffer was lost.
// stateLock held.
func (self *Conn) replayLastLocked(n int) bool {
	if len(self.lastSent) < n {
		return false
	}
	replay := append([]*Message{}, self.lastSent[len(self.lastSent)-n:]...)
	self.lastSent = self.lastSent[:len(self.lastSent)-n]
	self.serverSeq -= uint64(n)
	for _, message := range replay {
		if !self.writeLocked(message) {
			break
		}
	}
	return true
}

func (self *Conn) subscription() (*Room, *Subscriber) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.room, self.sub
}

func (self *Conn) detach() {
	self.stateLock.Lock()
	room := self.room
	sub := self.sub
	self.room = nil
	self.sub = nil
	self.stateLock.Unlock()
	if room != nil {
		room.RemoveSubscriber(sub.SessionId)
	}
}

func (self *Conn) close() {
	self.cancel()
	self.ws.Close()
	self.detach()
}

func (self *Conn) Close() {
	self.cancel()
}

// Done resolves when the connection has fully torn down.
func (self *Conn) Done() <-chan struct{} {
	return self.ctx.Done()
}
