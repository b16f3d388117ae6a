package auth

import (
    "context"
    "net/http"
)

type authInfoKey struct{}

type AuthInfo struct {
    ClientID string
    Claims   *AccessTokenClaims
}

func WithAuthInfo(ctx context.Context, ai *AuthInfo) context.Context {
    return context.WithValue(ctx, authInfoKey{}, ai)
}

func AuthInfoFromContext(ctx context.Context) (*AuthInfo, bool) {
    ai, ok := ctx.Value(authInfoKey{}).(*AuthInfo)
    return ai, ok
}

// Authorize validates an Authorization header value.
func (s *Signer) Authorize(header string) (*AuthInfo, error) {
    tok, err := Bearer(header)
    if err != nil {
        return nil, err
    }
    claims, err := s.Validate(tok)
    if err != nil {
        return nil, err
    }
    return &AuthInfo{ClientID: claims.ClientID, Claims: claims}, nil
}

func Authenticate(s *Signer, onError func(http.ResponseWriter, *http.Request, int, string)) func(http.Handler) http.Handler {
    return func(next http.Handler) http.Handler {
        return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
            if s == nil {
                onError(w, r, http.StatusUnauthorized, "unauthorized")
                return
            }
            ai, err := s.Authorize(r.Header.Get("Authorization"))
            if err != nil {
                onError(w, r, http.StatusUnauthorized, "unauthorized")
                return
            }
            next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), ai)))
        })
    }
}

func RequireScopes(onError func(http.ResponseWriter, *http.Request, int, string), required ...string) func(http.Handler) http.Handler {
    return func(next http.Handler) http.Handler {
        return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
            ai, ok := AuthInfoFromContext(r.Context())
            if !ok {
                onError(w, r, http.StatusUnauthorized, "unauthorized")
                return
            }
            for _, s := range required {
                if !ai.Claims.HasScope(s) {
                    onError(w, r, http.StatusForbidden, "forbidden")
                    return
                }
            }
            next.ServeHTTP(w, r)
        })
    }
}
