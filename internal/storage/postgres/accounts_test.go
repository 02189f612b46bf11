package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestHashSecret(t *testing.T) {
	hash, err := HashSecret("secret123")
	assert.NoError(t, err)
	assert.NotEmpty(t, hash)
	assert.NotEqual(t, "secret123", hash)
}

func TestCheckSecret_Correct(t *testing.T) {
	hash, err := HashSecret("mysecret")
	assert.NoError(t, err)
	assert.True(t, CheckSecret("mysecret", hash))
}

func TestCheckSecret_Wrong(t *testing.T) {
	hash, err := HashSecret("mysecret")
	assert.NoError(t, err)
	assert.False(t, CheckSecret("wrongsecret", hash))
}

// Property: HashSecret always produces a hash that CheckSecret verifies.
func TestPropertyHashAndCheck(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		// bcrypt has a max input length of 72 bytes
		secret := rapid.StringMatching(`[a-zA-Z0-9!@#$%^&*]{1,64}`).Draw(t, "secret")
		hash, err := HashSecret(secret)
		if err != nil {
			t.Fatalf("HashSecret failed: %v", err)
		}
		if !CheckSecret(secret, hash) {
			t.Fatalf("CheckSecret failed for secret %q", secret)
		}
	})
}
