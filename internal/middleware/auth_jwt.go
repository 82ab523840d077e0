package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Token audiences. User tokens may not be replayed against the worker
// callback and callback tokens may not call the public API.
const (
	AudienceAPI      = "manifest-api"
	AudienceCallback = "worker-callback"
)

// clockSkew is tolerated on exp and nbf.
const clockSkew = 30 * time.Second

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenExpired  = errors.New("token expired")
	ErrWrongAudience = errors.New("token audience mismatch")
)

// TokenClaims is the HS256 payload used for both audiences.
type TokenClaims struct {
	Sub       string `json:"sub"`
	Exp       int64  `json:"exp,omitempty"`
	NotBefore int64  `json:"nbf,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	Audience  string `json:"aud"`
}

type jwtHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ,omitempty"`
}

var hs256Header = mustSegment(jwtHeader{Alg: "HS256", Typ: "JWT"})

func mustSegment(v any) string {
	s, err := segment(v)
	if err != nil {
		panic(err)
	}
	return s
}

func segment(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func signature(secret, signingInput string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

// SignJWT returns a compact HS256 token for claims.
func SignJWT(secret string, claims TokenClaims) (string, error) {
	if secret == "" {
		return "", errors.New("jwt: empty secret")
	}
	payload, err := segment(claims)
	if err != nil {
		return "", err
	}
	input := hs256Header + "." + payload
	return input + "." + base64.RawURLEncoding.EncodeToString(signature(secret, input)), nil
}

// VerifyJWT checks the algorithm, signature and time window. A non-empty
// audience must match the aud claim exactly.
func VerifyJWT(secret, token, audience string) (*TokenClaims, error) {
	headerSeg, rest, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrInvalidToken
	}
	payloadSeg, sigSeg, ok := strings.Cut(rest, ".")
	if !ok || strings.Contains(sigSeg, ".") {
		return nil, ErrInvalidToken
	}

	var header jwtHeader
	if err := decodeSegment(headerSeg, &header); err != nil || header.Alg != "HS256" {
		return nil, ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(sigSeg)
	if err != nil || !hmac.Equal(sig, signature(secret, headerSeg+"."+payloadSeg)) {
		return nil, ErrInvalidToken
	}
	var claims TokenClaims
	if err := decodeSegment(payloadSeg, &claims); err != nil {
		return nil, ErrInvalidToken
	}

	now := time.Now()
	if claims.Exp != 0 && now.Add(-clockSkew).Unix() > claims.Exp {
		return nil, ErrTokenExpired
	}
	if claims.NotBefore != 0 && now.Add(clockSkew).Unix() < claims.NotBefore {
		return nil, ErrInvalidToken
	}
	if audience != "" && claims.Audience != audience {
		return nil, ErrWrongAudience
	}
	return &claims, nil
}

func decodeSegment(seg string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// AuthJWT admits requests carrying an API-audience token and stores its
// subject as the user id. Failures answer 401 with a JSON error body.
func AuthJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				unauthorized(w, "missing bearer token")
				return
			}
			claims, err := VerifyJWT(secret, token, AudienceAPI)
			if err != nil {
				unauthorized(w, err.Error())
				return
			}
			if strings.TrimSpace(claims.Sub) == "" {
				unauthorized(w, "token has no subject")
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), claims.Sub)))
		})
	}
}

func unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="manifest-api"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized", "message": message})
}

type ctxKey int

const userIDKey ctxKey = iota

func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userIDKey).(string)
	return v
}

func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if strings.TrimSpace(userID) == "" {
		return ctx
	}
	return context.WithValue(ctx, userIDKey, userID)
}
