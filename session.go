package chatsync

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Session is one authenticated login. A new Session is created for every
// credential so results of requests issued under an older one can be told apart.
type Session struct {
	ID        string
	Token     string
	UserID    int64
	ExpiresAt time.Time
}

// ParseSession derives a Session from a bearer credential. JWT claims are read
// without verification (the server does that); opaque tokens are accepted as-is.
func ParseSession(token string) (*Session, error) {
	token = strings.TrimSpace(token)
	if rest, ok := strings.CutPrefix(token, "Bearer"); ok && (rest == "" || rest[0] == ' ') {
		token = strings.TrimSpace(rest)
	}
	if token == "" {
		return nil, ErrNoSession
	}
	s := &Session{ID: uuid.NewString(), Token: token}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return s, nil
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.ExpiresAt = exp.Time
		if time.Now().After(exp.Time) {
			return nil, fmt.Errorf("%w at %s", ErrSessionExpired, exp.Time.Format(time.RFC3339))
		}
	}
	s.UserID = userIDClaim(claims)
	return s, nil
}

func userIDClaim(claims jwt.MapClaims) int64 {
	for _, key := range []string{"user_id", "uid", "id"} {
		switch v := claims[key].(type) {
		case float64:
			return int64(v)
		case string:
			if id, err := strconv.ParseInt(v, 10, 64); err == nil {
				return id
			}
		}
	}
	if sub, err := claims.GetSubject(); err == nil {
		if id, err := strconv.ParseInt(sub, 10, 64); err == nil {
			return id
		}
	}
	return 0
}

// Owner identifies whose data a persisted snapshot holds. It is the user id
// when the token carries one, otherwise a fingerprint of the token.
func (s *Session) Owner() string {
	if s.UserID != 0 {
		return "user:" + strconv.FormatInt(s.UserID, 10)
	}
	sum := sha256.Sum256([]byte(s.Token))
	return "token:" + hex.EncodeToString(sum[:8])
}
