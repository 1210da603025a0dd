package chatsync

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated user a session is bound to.
type Identity struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// Validate checks that both fields are present.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.UserID) == "" {
		return NewError(ErrorInvalidConfig, "identity: empty user id")
	}
	if strings.TrimSpace(id.UserName) == "" {
		return NewError(ErrorInvalidConfig, "identity: empty user name")
	}
	return nil
}

// IdentityFromToken reads the identity claims of a JWT issued to this client.
// The signature is not verified: the server does that at handshake.
// UserID comes from "sub", UserName from "name" or "username".
func IdentityFromToken(token string) (Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, WrapError(ErrorInvalidConfig, "parse token", err)
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return Identity{}, WrapError(ErrorInvalidConfig, "token subject", err)
	}
	id := Identity{UserID: sub}
	for _, key := range []string{"name", "username"} {
		if v, ok := claims[key].(string); ok && v != "" {
			id.UserName = v
			break
		}
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}
