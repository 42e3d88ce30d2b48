// ABOUTME: Tests for argon2id password hashing and verification.
package auth_test

import (
	"strings"
	"testing"

	"github.com/flowdeck/flowdeck/internal/auth"
)

func TestHashAndVerifyPassword(t *testing.T) {
	t.Parallel()

	hash, err := auth.HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$") {
		t.Errorf("hash not PHC argon2id format: %s", hash)
	}

	ok, err := auth.VerifyPassword("correct horse battery staple", hash)
	if err != nil {
		t.Fatalf("VerifyPassword: %v", err)
	}
	if !ok {
		t.Error("correct password rejected")
	}

	ok, err = auth.VerifyPassword("wrong password", hash)
	if err != nil {
		t.Fatalf("VerifyPassword(wrong): %v", err)
	}
	if ok {
		t.Error("wrong password accepted")
	}
}

func TestHashPassword_UniqueSalts(t *testing.T) {
	t.Parallel()

	h1, err := auth.HashPassword("same password")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	h2, err := auth.HashPassword("same password")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if h1 == h2 {
		t.Error("two hashes of the same password should differ (random salt)")
	}
}

func TestVerifyPassword_MalformedHash(t *testing.T) {
	t.Parallel()

	for _, hash := range []string{
		"",
		"not a hash",
		"$bcrypt$something$else$entirely$x",
		"$argon2id$v=19$m=oops$salt$key",
	} {
		if ok, err := auth.VerifyPassword("pw", hash); err == nil || ok {
			t.Errorf("VerifyPassword(%q) = %v/%v, want error", hash, ok, err)
		}
	}
}
