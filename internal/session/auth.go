package session

import (
	"context"
	"net/http"
)

// Principal is a pre-verified identity the Session Gateway consumes.
// spec.md §4.3 step 2 treats credential verification as an external
// boundary — this reference implementation never parses or validates
// bearer tokens itself, only the Authenticator that resolves them.
type Principal struct {
	UserID      string
	DisplayName string
}

// Authenticator resolves a Principal from an inbound upgrade request.
// Returning an error makes the Gateway reject the request with HTTP 401
// before the WebSocket upgrade.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Principal, error)
}

// BearerHeaderAuthenticator is a minimal Authenticator that trusts an
// `Authorization: Bearer <userId>` header verbatim, standing in for
// the real identity provider a deployment would plug in here. It is
// deliberately not a security boundary on its own.
type BearerHeaderAuthenticator struct{}

func (BearerHeaderAuthenticator) Authenticate(_ context.Context, r *http.Request) (Principal, error) {
	token := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(token) <= len(prefix) || token[:len(prefix)] != prefix {
		return Principal{}, errMissingBearer
	}
	userID := token[len(prefix):]
	displayName := r.URL.Query().Get("displayName")
	if displayName == "" {
		displayName = userID
	}
	return Principal{UserID: userID, DisplayName: displayName}, nil
}

var errMissingBearer = authError("missing bearer credential")

type authError string

func (e authError) Error() string { return string(e) }
