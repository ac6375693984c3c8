package collab

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTestHub(t *testing.T) (*Hub, *MemoryDocumentStore, *SessionRegistry, Id) {
	store := NewMemoryDocumentStore()
	snapshot := testSnapshot(0)
	store.Put(snapshot)
	registry := NewSessionRegistryWithDefaults([]byte("test-secret"))
	hub := NewHub(context.Background(), store, registry, appendApplier(), DefaultHubSettings())
	t.Cleanup(hub.Close)
	return hub, store, registry, snapshot.DocumentId
}

func sealTestToken(t *testing.T, registry *SessionRegistry, name string) string {
	token, err := registry.SealToken(&UserSession{
		UserId: NewId(),
		Name:   name,
	}, time.Hour)
	assert.Equal(t, err, nil)
	return token
}

func TestHubSubscribe(t *testing.T) {
	hub, _, registry, documentId := newTestHub(t)

	writer := newTestWriter()
	room, sub, err := hub.Subscribe(context.Background(), writer, &Message{
		Type:      MessageTypeSubscribe,
		RoomId:    documentId.String(),
		AuthToken: sealTestToken(t, registry, "ana"),
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, room.DocumentId(), documentId)
	assert.NotEqual(t, hub.Room(documentId), nil)

	messages := writer.Messages()
	assert.Equal(t, messages[0].Type, MessageTypeSubscribed)
	assert.Equal(t, messages[1].Type, MessageTypeDocData)

	// eviction once the last subscriber leaves
	room.RemoveSubscriber(sub.SessionId)
	assert.Equal(t, hub.Room(documentId) == nil, true)
	assert.Equal(t, len(hub.RoomIds()), 0)
}

func TestHubSubscribeAuthFailure(t *testing.T) {
	hub, _, _, documentId := newTestHub(t)

	writer := newTestWriter()
	_, _, err := hub.Subscribe(context.Background(), writer, &Message{
		Type:      MessageTypeSubscribe,
		RoomId:    documentId.String(),
		AuthToken: "garbage",
	})
	var authFailure *AuthFailureError
	assert.Equal(t, errorsAs(err, &authFailure), true)
	// no room side effects
	assert.Equal(t, len(hub.RoomIds()), 0)
	assert.Equal(t, len(writer.Messages()), 0)
}

func TestHubSubscribeRoomUnavailable(t *testing.T) {
	hub, _, registry, _ := newTestHub(t)

	writer := newTestWriter()
	_, _, err := hub.Subscribe(context.Background(), writer, &Message{
		Type:      MessageTypeSubscribe,
		RoomId:    NewId().String(),
		AuthToken: sealTestToken(t, registry, "ana"),
	})
	var roomUnavailable *RoomUnavailableError
	assert.Equal(t, errorsAs(err, &roomUnavailable), true)
	assert.Equal(t, errors.Is(err, ErrDocumentNotFound), true)
	assert.Equal(t, len(hub.RoomIds()), 0)
}

func TestHubSubscribeBadRoomId(t *testing.T) {
	hub, _, registry, _ := newTestHub(t)

	writer := newTestWriter()
	_, _, err := hub.Subscribe(context.Background(), writer, &Message{
		Type:      MessageTypeSubscribe,
		RoomId:    "not-a-uuid",
		AuthToken: sealTestToken(t, registry, "ana"),
	})
	var malformed *MalformedRequestError
	assert.Equal(t, errorsAs(err, &malformed), true)
}

func TestHubGetOrCreateRoomIsStable(t *testing.T) {
	hub, _, _, documentId := newTestHub(t)

	first, err := hub.GetOrCreateRoom(context.Background(), documentId)
	assert.Equal(t, err, nil)
	second, err := hub.GetOrCreateRoom(context.Background(), documentId)
	assert.Equal(t, err, nil)
	assert.Equal(t, first == second, true)
}

func TestHubRoomsRunIndependently(t *testing.T) {
	hub, store, registry, documentId := newTestHub(t)

	other := testSnapshot(10)
	store.Put(other)

	writerA := newTestWriter()
	roomA, subA, err := hub.Subscribe(context.Background(), writerA, &Message{
		Type:      MessageTypeSubscribe,
		RoomId:    documentId.String(),
		AuthToken: sealTestToken(t, registry, "ana"),
	})
	assert.Equal(t, err, nil)

	writerB := newTestWriter()
	roomB, _, err := hub.Subscribe(context.Background(), writerB, &Message{
		Type:      MessageTypeSubscribe,
		RoomId:    other.DocumentId.String(),
		AuthToken: sealTestToken(t, registry, "bo"),
	})
	assert.Equal(t, err, nil)

	roomA.SubmitDiff(subA, diffMessage(1, 0, "a"))
	assert.Equal(t, roomA.Version(), int64(1))
	// no cross-room ordering or interference
	assert.Equal(t, roomB.Version(), int64(10))
	assert.Equal(t, len(hub.RoomIds()), 2)
}
