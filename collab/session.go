package collab

import (
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// UserSession is the identity unsealed from a subscribe token.
// Login state is owned by the platform; this registry only verifies.
type UserSession struct {
	UserId   Id
	Name     string
	ReadOnly bool
}

type SessionRegistrySettings struct {
	// tolerated clock skew when checking token expiry
	Leeway time.Duration `yaml:"leeway"`
}

func DefaultSessionRegistrySettings() *SessionRegistrySettings {
	return &SessionRegistrySettings{
		Leeway: 30 * time.Second,
	}
}

// SessionRegistry unseals opaque auth tokens into user identities.
// It is called once per subscribe attempt and keeps no state across calls;
// diffs travel on an already-authenticated connection.
type SessionRegistry struct {
	secret   []byte
	settings *SessionRegistrySettings
}

func NewSessionRegistryWithDefaults(secret []byte) *SessionRegistry {
	return NewSessionRegistry(secret, DefaultSessionRegistrySettings())
}

func NewSessionRegistry(secret []byte, settings *SessionRegistrySettings) *SessionRegistry {
	return &SessionRegistry{
		secret:   secret,
		settings: settings,
	}
}

func (self *SessionRegistry) Authenticate(sealedToken string) (*UserSession, error) {
	parser := gojwt.NewParser(
		gojwt.WithValidMethods([]string{"HS256"}),
		gojwt.WithExpirationRequired(),
		gojwt.WithLeeway(self.settings.Leeway),
	)
	token, err := parser.Parse(sealedToken, func(token *gojwt.Token) (any, error) {
		return self.secret, nil
	})
	if err != nil {
		return nil, &AuthFailureError{Reason: err.Error()}
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, &AuthFailureError{Reason: "missing claims"}
	}

	session := &UserSession{}

	userIdStr, ok := claims["user_id"].(string)
	if !ok {
		return nil, &AuthFailureError{Reason: "missing user_id claim"}
	}
	userId, err := ParseId(userIdStr)
	if err != nil {
		return nil, &AuthFailureError{Reason: fmt.Sprintf("bad user_id claim: %s", err)}
	}
	session.UserId = userId

	if name, ok := claims["name"].(string); ok {
		session.Name = name
	}
	if readOnly, ok := claims["read_only"].(bool); ok {
		session.ReadOnly = readOnly
	}

	return session, nil
}

// SealToken creates a token that Authenticate accepts.
// The platform issues tokens in production; this is for tooling and tests.
func (self *SessionRegistry) SealToken(session *UserSession, expiresIn time.Duration) (string, error) {
	claims := gojwt.MapClaims{
		"user_id": session.UserId.String(),
		"exp":     time.Now().Add(expiresIn).Unix(),
	}
	if session.Name != "" {
		claims["name"] = session.Name
	}
	if session.ReadOnly {
		claims["read_only"] = true
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims)
	return token.SignedString(self.secret)
}
