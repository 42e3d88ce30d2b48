// ABOUTME: Tests for access-token issuance and validation.
package auth_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/internal/auth"
	"github.com/flowdeck/flowdeck/internal/permission"
)

var testSecret = []byte("test-secret-at-least-32-bytes-long!")

func TestAccessTokenRoundTrip(t *testing.T) {
	t.Parallel()

	userID := uuid.New()
	token, err := auth.IssueAccessToken(testSecret, userID, permission.LevelProjectAdmin, false, time.Hour)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}

	claims, err := auth.ParseAccessToken(token, testSecret)
	if err != nil {
		t.Fatalf("ParseAccessToken: %v", err)
	}
	if claims.UserID != userID {
		t.Errorf("UserID = %s, want %s", claims.UserID, userID)
	}

	id := claims.Identity()
	if id.ID != userID || id.Level != permission.LevelProjectAdmin || id.Superuser {
		t.Errorf("Identity = %+v", id)
	}
}

func TestAccessToken_SuperuserClaim(t *testing.T) {
	t.Parallel()

	token, err := auth.IssueAccessToken(testSecret, uuid.New(), permission.LevelSuperAdmin, true, time.Hour)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	claims, err := auth.ParseAccessToken(token, testSecret)
	if err != nil {
		t.Fatalf("ParseAccessToken: %v", err)
	}
	if !claims.Identity().Superuser {
		t.Error("superuser claim lost in round trip")
	}
}

func TestParseAccessToken_Expired(t *testing.T) {
	t.Parallel()

	token, err := auth.IssueAccessToken(testSecret, uuid.New(), permission.LevelUser, false, -time.Minute)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if _, err := auth.ParseAccessToken(token, testSecret); err == nil {
		t.Error("expired token accepted")
	}
}

func TestParseAccessToken_WrongSecret(t *testing.T) {
	t.Parallel()

	token, err := auth.IssueAccessToken(testSecret, uuid.New(), permission.LevelUser, false, time.Hour)
	if err != nil {
		t.Fatalf("IssueAccessToken: %v", err)
	}
	if _, err := auth.ParseAccessToken(token, []byte("a-completely-different-secret!!!")); err == nil {
		t.Error("token with wrong secret accepted")
	}
}

func TestParseAccessToken_RejectsNonHS256(t *testing.T) {
	t.Parallel()

	// alg=none with a matching empty signature must be rejected.
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": uuid.NewString(),
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := auth.ParseAccessToken(token, testSecret); err == nil {
		t.Error("alg=none token accepted")
	}
}

func TestParseAccessToken_RequiresExpiration(t *testing.T) {
	t.Parallel()

	// A token without exp is rejected by WithExpirationRequired.
	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": uuid.NewString(),
	})
	token, err := noExp.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.ParseAccessToken(token, testSecret); err == nil {
		t.Error("token without exp accepted")
	}
}
