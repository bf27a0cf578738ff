package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/basket/smolclaw/internal/shared"
)

// apiKey is a configured token, held only as its digest. Label names it
// in the audit trail without revealing it.
type apiKey struct {
	digest [sha256.Size]byte
	label  string
}

// AuthMiddleware requires one of the configured bearer tokens on every
// route except /healthz and CORS preflights. With no tokens configured
// every other route is refused. An accepted request carries the actor
// "api:key<N>" so approval decisions can be traced to a token.
type AuthMiddleware struct {
	keys []apiKey
}

func NewAuthMiddleware(keys []string) *AuthMiddleware {
	am := &AuthMiddleware{}
	for _, k := range keys {
		if k = strings.TrimSpace(k); k == "" {
			continue
		}
		am.keys = append(am.keys, apiKey{
			digest: sha256.Sum256([]byte(k)),
			label:  fmt.Sprintf("key%d", len(am.keys)+1),
		})
	}
	return am
}

func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		presented := ExtractAPIKey(r)
		if presented == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		label, ok := am.match(presented)
		if !ok {
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}
		ctx := shared.WithActor(r.Context(), "api:"+label)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// match compares against every key so timing does not reveal which, if
// any, matched.
func (am *AuthMiddleware) match(presented string) (string, bool) {
	sum := sha256.Sum256([]byte(presented))
	label := ""
	for _, k := range am.keys {
		if subtle.ConstantTimeCompare(sum[:], k.digest[:]) == 1 && label == "" {
			label = k.label
		}
	}
	return label, label != ""
}

// ExtractAPIKey returns the token a request presents. Sources in order:
// "Authorization: Bearer", X-API-Key, then the api_key query parameter
// for browser websockets, which cannot set headers.
func ExtractAPIKey(r *http.Request) string {
	if rest, ok := strings.CutPrefix(strings.TrimSpace(r.Header.Get("Authorization")), "Bearer "); ok {
		return strings.TrimSpace(rest)
	}
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(r.URL.Query().Get("api_key"))
}
