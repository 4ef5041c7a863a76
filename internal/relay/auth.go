package relay

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"livesync/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carries the participant identity inside a relay token.
type Claims struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Email    string `json:"email,omitempty"`
	Color    string `json:"color,omitempty"`
	gojwt.RegisteredClaims
}

// IssueToken signs an HS256 token for user. A zero ttl never expires.
func IssueToken(secret []byte, user models.UserInfo, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("issue token: empty secret")
	}
	if user.ID == "" {
		return "", fmt.Errorf("issue token: empty user id")
	}
	now := time.Now()
	claims := Claims{
		UserID:   user.ID,
		UserName: user.Name,
		Email:    user.Email,
		Color:    user.Color,
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:  user.ID,
			IssuedAt: gojwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = gojwt.NewNumericDate(now.Add(ttl))
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(secret)
}

// VerifyToken checks the signature and expiry of token and returns the
// identity it carries.
func VerifyToken(secret []byte, token string) (models.UserInfo, error) {
	if token == "" {
		return models.UserInfo{}, fmt.Errorf("%w: missing", ErrInvalidToken)
	}
	parser := gojwt.NewParser(gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*gojwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return models.UserInfo{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.UserID == "" {
		return models.UserInfo{}, fmt.Errorf("%w: no user", ErrInvalidToken)
	}
	return models.UserInfo{
		ID:    claims.UserID,
		Name:  claims.UserName,
		Email: claims.Email,
		Color: claims.Color,
	}, nil
}
