package chattest

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vovakirdan/chatsync/chatsync"
)

// Claims is the token layout the loopback server issues and accepts.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for id, valid for ttl.
func IssueToken(secret []byte, id chatsync.Identity, ttl time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Name: id.UserName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    "chattest",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	})
	return token.SignedString(secret)
}

// ValidateToken verifies the signature and expiry and returns the identity.
func ValidateToken(secret []byte, tokenString string) (chatsync.Identity, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return chatsync.Identity{}, err
	}
	if !token.Valid {
		return chatsync.Identity{}, errors.New("invalid token")
	}
	id := chatsync.Identity{UserID: claims.Subject, UserName: claims.Name}
	if err := id.Validate(); err != nil {
		return chatsync.Identity{}, err
	}
	return id, nil
}
