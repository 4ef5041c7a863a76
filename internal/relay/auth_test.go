package relay

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gojwt "github.com/golang-jwt/jwt/v5"

	"livesync/internal/models"
)

var testSecret = []byte("relay-test-secret")

func TestTokenRoundTrip(t *testing.T) {
	user := models.UserInfo{ID: "u-1", Name: "Ada", Email: "ada@example.com", Color: "#ff0000"}
	token, err := IssueToken(testSecret, user, time.Hour)
	assert.Equal(t, err, nil)

	got, err := VerifyToken(testSecret, token)
	assert.Equal(t, err, nil)
	assert.Equal(t, got, user)
}

func TestTokenRejections(t *testing.T) {
	user := models.UserInfo{ID: "u-1", Name: "Ada"}
	token, err := IssueToken(testSecret, user, time.Hour)
	assert.Equal(t, err, nil)

	_, err = VerifyToken([]byte("other-secret"), token)
	assert.Equal(t, errors.Is(err, ErrInvalidToken), true)

	_, err = VerifyToken(testSecret, "")
	assert.Equal(t, errors.Is(err, ErrInvalidToken), true)

	_, err = VerifyToken(testSecret, token+"x")
	assert.Equal(t, errors.Is(err, ErrInvalidToken), true)

	past := time.Now().Add(-time.Hour)
	expired, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, Claims{
		UserID: "u-1",
		RegisteredClaims: gojwt.RegisteredClaims{
			ExpiresAt: gojwt.NewNumericDate(past),
		},
	}).SignedString(testSecret)
	assert.Equal(t, err, nil)
	_, err = VerifyToken(testSecret, expired)
	assert.Equal(t, errors.Is(err, ErrInvalidToken), true)

	none, err := gojwt.NewWithClaims(gojwt.SigningMethodNone, Claims{UserID: "u-1"}).
		SignedString(gojwt.UnsafeAllowNoneSignatureType)
	assert.Equal(t, err, nil)
	_, err = VerifyToken(testSecret, none)
	assert.Equal(t, errors.Is(err, ErrInvalidToken), true)
}

func TestIssueTokenNeedsSecretAndUser(t *testing.T) {
	_, err := IssueToken(nil, models.UserInfo{ID: "u-1"}, 0)
	assert.NotEqual(t, err, nil)

	_, err = IssueToken(testSecret, models.UserInfo{}, 0)
	assert.NotEqual(t, err, nil)
}
