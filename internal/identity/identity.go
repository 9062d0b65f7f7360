// Package identity verifies bearer credentials issued by the external
// identity provider. The chat service never issues or stores credentials
// itself; it only checks signatures and extracts the user identity.
package identity

import (
	"fmt"

	"github.com/golang-jwt/jwt"

	"github.com/triplore/tripchat/internal/types"
)

const (
	userIdClaim      = "user-id"
	displayNameClaim = "display-name"
)

// AuthError indicates a bad or expired credential. The connection is
// refused and the client must re-authenticate.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %s", e.Reason, e.Err)
	}
	return "auth: " + e.Reason
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

type Verifier interface {
	Verify(credential string) (types.User, error)
}

// JWTVerifier validates HMAC-signed tokens against a shared signing key.
type JWTVerifier struct {
	signingKey []byte
}

func NewJWTVerifier(signingKey []byte) *JWTVerifier {
	return &JWTVerifier{signingKey: signingKey}
}

func (v *JWTVerifier) Verify(credential string) (types.User, error) {
	token, err := jwt.Parse(credential, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return types.User{}, &AuthError{Reason: "invalid token", Err: err}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return types.User{}, &AuthError{Reason: "invalid token claims"}
	}

	userId, ok := claims[userIdClaim].(string)
	if !ok || userId == "" {
		return types.User{}, &AuthError{Reason: "missing user id claim"}
	}

	// display name is advisory; fall back to the user id
	displayName, _ := claims[displayNameClaim].(string)
	if displayName == "" {
		displayName = userId
	}

	return types.User{Id: userId, DisplayName: displayName}, nil
}
