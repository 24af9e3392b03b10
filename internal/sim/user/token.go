// README: HS256 bearer tokens carrying account id and role.
package user

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"metrocarpool/internal/types"
)

const tokenTTL = 24 * time.Hour

type claims struct {
	Role types.Role `json:"role"`
	jwt.RegisteredClaims
}

type TokenIssuer struct {
	secret []byte
}

func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret)}
}

func (t *TokenIssuer) Issue(id types.UserID, role types.Role) (string, error) {
	now := time.Now()
	c := claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(int64(id), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(t.secret)
}

// Verify parses and validates a bearer token, returning the identity it
// carries. Every failure collapses to ErrBadToken; callers answer 401 either
// way.
func (t *TokenIssuer) Verify(token string) (types.UserID, types.Role, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadToken
		}
		return t.secret, nil
	})
	if err != nil || !parsed.Valid {
		return 0, "", ErrBadToken
	}
	id, err := strconv.ParseInt(c.Subject, 10, 64)
	if err != nil || !c.Role.Valid() {
		return 0, "", ErrBadToken
	}
	return types.UserID(id), c.Role, nil
}
