package gateway

import (
	"context"
	"net/http"
	"strings"

	errs "EProject/tools/errs"
	"EProject/tools/security"
)

// BearerToken pulls the handshake token out of the upgrade request:
// Authorization: Bearer first, ?token= query param as the browser fallback.
func BearerToken(r *http.Request) string {
	if authz := strings.TrimSpace(r.Header.Get("Authorization")); authz != "" {
		if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return strings.TrimSpace(authz[len("bearer "):])
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// JWTResolver validates HMAC-signed tokens locally. It is side-effect free:
// a rejection costs one signature check and allocates nothing.
type JWTResolver struct {
	opts security.Options
}

func NewJWTResolver(opts security.Options) *JWTResolver {
	return &JWTResolver{opts: opts}
}

func (j *JWTResolver) ResolveToken(_ context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, errs.ErrAuthenticationFailed.WrapMsg("missing token")
	}
	claims, err := security.Verify(j.opts, token)
	if err != nil {
		return nil, errs.ErrAuthenticationFailed.WrapMsg(err.Error())
	}
	return &Identity{
		UserID:      claims.UserID,
		DisplayName: claims.DisplayName,
		Roles:       claims.Roles,
	}, nil
}
