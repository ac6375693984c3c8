package collab

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestSessionRoundTrip(t *testing.T) {
	registry := NewSessionRegistryWithDefaults([]byte("test-secret"))

	userId := NewId()
	token, err := registry.SealToken(&UserSession{
		UserId: userId,
		Name:   "mo",
	}, time.Hour)
	assert.Equal(t, err, nil)

	session, err := registry.Authenticate(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, session.UserId, userId)
	assert.Equal(t, session.Name, "mo")
	assert.Equal(t, session.ReadOnly, false)
}

func TestSessionReadOnly(t *testing.T) {
	registry := NewSessionRegistryWithDefaults([]byte("test-secret"))

	token, err := registry.SealToken(&UserSession{
		UserId:   NewId(),
		ReadOnly: true,
	}, time.Hour)
	assert.Equal(t, err, nil)

	session, err := registry.Authenticate(token)
	assert.Equal(t, err, nil)
	assert.Equal(t, session.ReadOnly, true)
}

func TestSessionExpired(t *testing.T) {
	registry := NewSessionRegistry([]byte("test-secret"), &SessionRegistrySettings{
		Leeway: 0,
	})

	token, err := registry.SealToken(&UserSession{
		UserId: NewId(),
	}, -time.Hour)
	assert.Equal(t, err, nil)

	_, err = registry.Authenticate(token)
	var authFailure *AuthFailureError
	assert.Equal(t, errorsAs(err, &authFailure), true)
}

func TestSessionWrongSecret(t *testing.T) {
	registry := NewSessionRegistryWithDefaults([]byte("test-secret"))
	other := NewSessionRegistryWithDefaults([]byte("other-secret"))

	token, err := other.SealToken(&UserSession{
		UserId: NewId(),
	}, time.Hour)
	assert.Equal(t, err, nil)

	_, err = registry.Authenticate(token)
	var authFailure *AuthFailureError
	assert.Equal(t, errorsAs(err, &authFailure), true)
}

func TestSessionGarbageToken(t *testing.T) {
	registry := NewSessionRegistryWithDefaults([]byte("test-secret"))

	for _, token := range []string{"", "garbage", "a.b.c"} {
		_, err := registry.Authenticate(token)
		var authFailure *AuthFailureError
		assert.Equal(t, errorsAs(err, &authFailure), true)
	}
}
