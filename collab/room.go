package collab

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
)

type RoomSettings struct {
	// pending operations before submitters block
	OpBufferSize int `yaml:"op_buffer_size"`
	// confirmed diffs kept for resend. beyond this window recovery answers
	// with a full snapshot
	HistoryLength int `yaml:"history_length"`
	// flush to the document store every this many confirmed versions.
	// 1 saves on every confirmed diff
	SaveInterval int64         `yaml:"save_interval"`
	SaveTimeout  time.Duration `yaml:"save_timeout"`
}

func DefaultRoomSettings() *RoomSettings {
	return &RoomSettings{
		OpBufferSize:  32,
		HistoryLength: 1000,
		SaveInterval:  20,
		SaveTimeout:   5 * time.Second,
	}
}

// MessageWriter is the send side of one subscriber connection.
// WriteMessage enqueues and must not block the room worker; it returns false
// once the connection is closed or cannot keep up.
type MessageWriter interface {
	WriteMessage(message *Message) bool
}

// Subscriber is one authenticated connection attached to a room.
// All fields except the writer are owned by the room worker after attach.
type Subscriber struct {
	UserId    Id
	Name      string
	SessionId Id
	ReadOnly  bool

	writer MessageWriter
	// highest version the client is known to have.
	// never exceeds the room version
	ackedVersion int64
}

func (self *Subscriber) AckedVersion() int64 {
	return self.ackedVersion
}

// Room owns the canonical state of one document: the content snapshot, the
// monotonic version counter, and the subscriber set. One worker goroutine
// serializes all mutation; rooms run fully in parallel with respect to each
// other. Readers (presence, snapshot) take a consistent reference under
// stateLock and never observe a torn update.
type Room struct {
	ctx    context.Context
	cancel context.CancelFunc

	documentId Id
	store      DocumentStore
	applier    ContentApplier
	settings   *RoomSettings

	ops          chan func()
	saveRequests chan *saveRequest

	stateLock sync.Mutex
	// immutable value, replaced on every confirmed diff
	snapshot    *DocumentSnapshot
	subscribers map[Id]*Subscriber
	closed      bool

	// worker-owned
	journal          *diffJournal
	lastSavedVersion int64
	lastEditedBy     Id

	evict func()
}

func NewRoomWithDefaults(
	ctx context.Context,
	snapshot *DocumentSnapshot,
	store DocumentStore,
	applier ContentApplier,
	evict func(),
) *Room {
	return NewRoom(ctx, snapshot, store, applier, evict, DefaultRoomSettings())
}

func NewRoom(
	ctx context.Context,
	snapshot *DocumentSnapshot,
	store DocumentStore,
	applier ContentApplier,
	evict func(),
	settings *RoomSettings,
) *Room {
	cancelCtx, cancel := context.WithCancel(ctx)
	room := &Room{
		ctx:              cancelCtx,
		cancel:           cancel,
		documentId:       snapshot.DocumentId,
		store:            store,
		applier:          applier,
		settings:         settings,
		ops:              make(chan func(), settings.OpBufferSize),
		saveRequests:     make(chan *saveRequest, 1),
		snapshot:         snapshot,
		subscribers:      map[Id]*Subscriber{},
		journal:          newDiffJournal(snapshot.Version, settings.HistoryLength),
		lastSavedVersion: snapshot.Version,
		evict:            evict,
	}
	go room.run()
	go room.runSaver()
	return room
}

func (self *Room) run() {
	defer self.cancel()

	for {
		select {
		case <-self.ctx.Done():
			return
		case op := <-self.ops:
			self.runOp(op)
		}
	}
}

// the applier and subscriber writers are external surfaces. a panic there
// fails the one operation, not the room
func (self *Room) runOp(op func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[room]%s recovered = %v\n", self.documentId, r)
		}
	}()
	op()
}

// do runs op on the room worker and waits for it to complete.
// Returns false if the room is closed.
func (self *Room) do(op func()) bool {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		op()
	}
	select {
	case self.ops <- wrapped:
	case <-self.ctx.Done():
		return false
	}
	select {
	case <-done:
		return true
	case <-self.ctx.Done():
		return false
	}
}

func (self *Room) DocumentId() Id {
	return self.documentId
}

// Snapshot returns the current immutable snapshot reference.
func (self *Room) Snapshot() *DocumentSnapshot {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.snapshot
}

func (self *Room) Version() int64 {
	return self.Snapshot().Version
}

func (self *Room) setSnapshot(snapshot *DocumentSnapshot) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.snapshot = snapshot
}

func (self *Room) SubscriberCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.subscribers)
}

// AddSubscriber attaches an authenticated connection. A client that signals
// a prior connection (connectionCount >= 1) already holds a cached copy and
// is not resent the full document; it recovers missed diffs via resend.
func (self *Room) AddSubscriber(
	session *UserSession,
	sessionId Id,
	writer MessageWriter,
	connectionCount int,
) (*Subscriber, error) {
	sub := &Subscriber{
		UserId:    session.UserId,
		Name:      session.Name,
		SessionId: sessionId,
		ReadOnly:  session.ReadOnly,
		writer:    writer,
	}
	ok := self.do(func() {
		self.stateLock.Lock()
		self.subscribers[sessionId] = sub
		self.stateLock.Unlock()

		sub.writer.WriteMessage(&Message{Type: MessageTypeSubscribed})
		if connectionCount < 1 {
			self.sendDocument(sub)
		} else {
			glog.V(1).Infof("[room]%s skip doc_data for warm reconnect %s\n", self.documentId, sessionId)
		}
		self.broadcastParticipants()
	})
	if !ok {
		return nil, ErrRoomClosed
	}
	glog.V(1).Infof("[room]%s subscribe %s user=%s\n", self.documentId, sessionId, session.UserId)
	return sub, nil
}

// RemoveSubscriber detaches a connection. In-flight diff processing for the
// room completes and is broadcast to the remaining subscribers. The room
// evicts itself once the last subscriber leaves.
func (self *Room) RemoveSubscriber(sessionId Id) {
	self.do(func() {
		self.stateLock.Lock()
		_, ok := self.subscribers[sessionId]
		if ok {
			delete(self.subscribers, sessionId)
		}
		empty := len(self.subscribers) == 0
		self.stateLock.Unlock()
		if !ok {
			return
		}
		glog.V(1).Infof("[room]%s unsubscribe %s\n", self.documentId, sessionId)
		if empty {
			self.close()
		} else {
			self.broadcastParticipants()
		}
	})
}

// SubmitDiff queues a diff request for the room worker. Exactly one of
// confirm_diff/reject_diff is emitted to the sender.
func (self *Room) SubmitDiff(sub *Subscriber, message *Message) bool {
	return self.do(func() {
		self.handleDiff(sub, message)
	})
}

// Resend replays confirmed diffs after fromVersion, or falls back to a full
// snapshot when the retention window no longer covers the request.
func (self *Room) Resend(sub *Subscriber, fromVersion int64) bool {
	return self.do(func() {
		self.resend(sub, fromVersion)
	})
}

// CheckVersion confirms an up-to-date client or replays what it missed.
func (self *Room) CheckVersion(sub *Subscriber, fromVersion int64) bool {
	return self.do(func() {
		if fromVersion == self.snapshot.Version {
			sub.writer.WriteMessage(&Message{
				Type:       MessageTypeConfirmVersion,
				DocVersion: fromVersion,
			})
			return
		}
		self.resend(sub, fromVersion)
	})
}

// SendDocument answers get_document with the current full snapshot.
func (self *Room) SendDocument(sub *Subscriber) bool {
	return self.do(func() {
		self.sendDocument(sub)
	})
}

// worker only
func (self *Room) resend(sub *Subscriber, fromVersion int64) {
	diffs, err := self.journal.StepsSince(fromVersion)
	if err != nil {
		// beyond the retained window (or nonsense request): answer with the
		// full document rather than an error
		glog.V(1).Infof("[room]%s resend from=%d fallback = %s\n", self.documentId, fromVersion, err)
		self.sendDocument(sub)
		return
	}
	for _, diff := range diffs {
		if !sub.writer.WriteMessage(diff) {
			return
		}
	}
	if v := self.journal.Head(); sub.ackedVersion < v {
		sub.ackedVersion = v
	}
}

// worker only. the content is served at the version it reflects, with the
// confirmed diffs above that base trailing in `m` so the client lands on the
// current room version.
func (self *Room) sendDocument(sub *Subscriber) {
	snapshot := self.Snapshot()
	base := snapshot
	trailing, err := self.journal.StepsSince(base.ContentVersion)
	if err != nil {
		// the content base fell out of the retained window. the store may
		// hold a fresher materialized copy that bridges
		loadCtx, loadCancel := context.WithTimeout(self.ctx, self.settings.SaveTimeout)
		loaded, loadErr := self.store.Load(loadCtx, self.documentId)
		loadCancel()
		if loadErr != nil {
			glog.Infof("[room]%s doc_data reload error = %s\n", self.documentId, loadErr)
		} else {
			base = loaded
			trailing, err = self.journal.StepsSince(base.ContentVersion)
		}
		if err != nil {
			glog.Infof("[room]%s doc_data cannot bridge content v%d to v%d\n", self.documentId, base.ContentVersion, snapshot.Version)
			trailing = nil
		}
	}

	acked := base.ContentVersion
	if n := len(trailing); 0 < n {
		acked = trailing[n-1].ServerVersion
	}
	if snapshot.Version < acked {
		acked = snapshot.Version
	}

	ok := sub.writer.WriteMessage(&Message{
		Type: MessageTypeDocData,
		Doc: &DocData{
			Content: base.Content,
			Version: base.ContentVersion,
		},
		DocInfo: &DocInfo{
			Id:        self.documentId.String(),
			SessionId: sub.SessionId.String(),
			Updated:   snapshot.Updated,
			Version:   snapshot.Version,
		},
		M:    trailing,
		Time: time.Now().UnixMilli(),
	})
	if ok {
		sub.ackedVersion = acked
	}
}

// worker only. drops subscribers whose connections cannot accept the write;
// their conns tear down and recover on reconnect.
func (self *Room) broadcastExcept(exceptSessionId Id, message *Message, version int64) {
	var failed []Id
	for sessionId, sub := range self.subscribers {
		if sessionId == exceptSessionId {
			continue
		}
		if sub.writer.WriteMessage(message) {
			if sub.ackedVersion < version {
				sub.ackedVersion = version
			}
		} else {
			failed = append(failed, sessionId)
		}
	}
	for _, sessionId := range failed {
		self.stateLock.Lock()
		delete(self.subscribers, sessionId)
		self.stateLock.Unlock()
	}
	if 0 < len(failed) {
		self.broadcastParticipants()
	}
}

type saveRequest struct {
	snapshot  *DocumentSnapshot
	updatedBy Id
}

// requestSave hands the latest snapshot to the saver, replacing any stale
// pending snapshot. Never blocks the worker.
func (self *Room) requestSave(snapshot *DocumentSnapshot, updatedBy Id) {
	request := &saveRequest{
		snapshot:  snapshot,
		updatedBy: updatedBy,
	}
	for {
		select {
		case self.saveRequests <- request:
			return
		default:
			select {
			case <-self.saveRequests:
				// replaced by a newer snapshot
			default:
			}
		}
	}
}

func (self *Room) runSaver() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case request := <-self.saveRequests:
			self.save(request.snapshot, request.updatedBy)
		}
	}
}

func (self *Room) save(snapshot *DocumentSnapshot, updatedBy Id) {
	saveCtx, saveCancel := context.WithTimeout(context.Background(), self.settings.SaveTimeout)
	defer saveCancel()
	if err := self.store.Save(saveCtx, snapshot, updatedBy); err != nil {
		// the room stays usable; the next cadence retries
		glog.Infof("[room]%s save v%d error = %s\n", self.documentId, snapshot.Version, err)
	} else {
		glog.V(1).Infof("[room]%s saved v%d\n", self.documentId, snapshot.Version)
	}
}

// worker only. final flush, then eviction.
func (self *Room) close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	snapshot := self.snapshot
	self.stateLock.Unlock()

	if self.lastSavedVersion < snapshot.Version {
		self.save(snapshot, self.lastEditedBy)
	}
	if self.evict != nil {
		self.evict()
	}
	self.cancel()
	glog.V(1).Infof("[room]%s closed at v%d\n", self.documentId, snapshot.Version)
}

// Close tears the room down from outside the worker (process shutdown).
func (self *Room) Close() {
	self.do(func() {
		self.close()
	})
	self.cancel()
}

// participantList is a read-only view over the current subscribers,
// ordered by session id for deterministic broadcasts.
func (self *Room) participantList() []*Participant {
	participants := []*Participant{}
	for _, sub := range self.subscriberSnapshot() {
		participants = append(participants, &Participant{
			Id:        sub.UserId.String(),
			Name:      sub.Name,
			SessionId: sub.SessionId.String(),
		})
	}
	sort.Slice(participants, func(i int, j int) bool {
		return participants[i].SessionId < participants[j].SessionId
	})
	return participants
}

func (self *Room) subscriberSnapshot() []*Subscriber {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	subs := make([]*Subscriber, 0, len(self.subscribers))
	for _, sub := range self.subscribers {
		subs = append(subs, sub)
	}
	return subs
}
