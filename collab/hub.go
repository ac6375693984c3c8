package collab

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type HubSettings struct {
	RoomSettings *RoomSettings `yaml:"room"`
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		RoomSettings: DefaultRoomSettings(),
	}
}

// Hub is the top-level registry of rooms, keyed by document id.
// Rooms are lazily materialized on first subscribe and evict themselves once
// they have zero subscribers, so idle documents consume no resources.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	store    DocumentStore
	sessions *SessionRegistry
	applier  ContentApplier
	settings *HubSettings

	stateLock sync.Mutex
	rooms     map[Id]*Room
}

func NewHubWithDefaults(
	ctx context.Context,
	store DocumentStore,
	sessions *SessionRegistry,
	applier ContentApplier,
) *Hub {
	return NewHub(ctx, store, sessions, applier, DefaultHubSettings())
}

func NewHub(
	ctx context.Context,
	store DocumentStore,
	sessions *SessionRegistry,
	applier ContentApplier,
	settings *HubSettings,
) *Hub {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		ctx:      cancelCtx,
		cancel:   cancel,
		store:    store,
		sessions: sessions,
		applier:  applier,
		settings: settings,
		rooms:    map[Id]*Room{},
	}
}

// GetOrCreateRoom returns the live room for a document, loading the initial
// snapshot from the document store on first access. A store failure means no
// room is created.
func (self *Hub) GetOrCreateRoom(ctx context.Context, documentId Id) (*Room, error) {
	self.stateLock.Lock()
	room, ok := self.rooms[documentId]
	self.stateLock.Unlock()
	if ok {
		return room, nil
	}

	// load outside the lock. concurrent first subscribes may both load;
	// the loser discards its snapshot
	snapshot, err := self.store.Load(ctx, documentId)
	if err != nil {
		return nil, &RoomUnavailableError{
			DocumentId: documentId,
			Cause:      err,
		}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if room, ok := self.rooms[documentId]; ok {
		return room, nil
	}
	room = NewRoom(
		self.ctx,
		snapshot,
		self.store,
		self.applier,
		func() {
			self.evictRoom(documentId)
		},
		self.settings.RoomSettings,
	)
	self.rooms[documentId] = room
	glog.V(1).Infof("[hub]open room %s at v%d\n", documentId, snapshot.Version)
	return room, nil
}

// Subscribe authenticates a connection and attaches it to the room.
// A failed authentication or an unavailable store has no room side effects.
func (self *Hub) Subscribe(ctx context.Context, writer MessageWriter, message *Message) (*Room, *Subscriber, error) {
	documentId, err := ParseId(message.RoomId)
	if err != nil {
		return nil, nil, &MalformedRequestError{
			Reason: "bad room id: " + message.RoomId,
		}
	}

	session, err := self.sessions.Authenticate(message.AuthToken)
	if err != nil {
		return nil, nil, err
	}

	// retry once: the room can evict between lookup and attach
	for attempt := 0; attempt < 2; attempt++ {
		room, err := self.GetOrCreateRoom(ctx, documentId)
		if err != nil {
			return nil, nil, err
		}
		sub, err := room.AddSubscriber(session, NewId(), writer, message.Connection)
		if errors.Is(err, ErrRoomClosed) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return room, sub, nil
	}
	return nil, nil, &RoomUnavailableError{
		DocumentId: documentId,
		Cause:      ErrRoomClosed,
	}
}

func (self *Hub) Room(documentId Id) *Room {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.rooms[documentId]
}

func (self *Hub) RoomIds() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.rooms)
}

func (self *Hub) evictRoom(documentId Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.rooms, documentId)
	glog.V(1).Infof("[hub]evict room %s\n", documentId)
}

func (self *Hub) Close() {
	self.stateLock.Lock()
	rooms := maps.Values(self.rooms)
	self.rooms = map[Id]*Room{}
	self.stateLock.Unlock()
	for _, room := range rooms {
		room.Close()
	}
	self.cancel()
}
