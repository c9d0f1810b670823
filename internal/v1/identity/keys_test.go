package identity

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lrcom/lrcom-server/internal/v1/apperr"
)

func testKeyPair(t *testing.T) (*rsa.PrivateKey, string, string) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	n := base64.RawURLEncoding.EncodeToString(priv.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(priv.E)).Bytes())
	return priv, n, e
}

func TestCanonicalizeJWK_FieldOrderStable(t *testing.T) {
	_, n, e := testKeyPair(t)

	variantA := fmt.Sprintf(`{"kty":"RSA","n":%q,"e":%q}`, n, e)
	variantB := fmt.Sprintf(`{"e":%q,"n":%q,"kty":"RSA","alg":"RSA-OAEP-256"}`, e, n)

	canonA, pubA, err := CanonicalizeJWK(variantA)
	require.NoError(t, err)
	canonB, pubB, err := CanonicalizeJWK(variantB)
	require.NoError(t, err)

	assert.Equal(t, canonA, canonB, "equivalent JWKs must canonicalize byte-identically")
	assert.Equal(t, pubA.N, pubB.N)
	assert.Equal(t, pubA.E, pubB.E)

	// Canonical form has the fixed trailer the clients depend on.
	assert.Contains(t, canonA, `"ext":true`)
	assert.Contains(t, canonA, `"key_ops":["encrypt"]`)
}

func TestCanonicalizeJWK_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"garbage", "not a jwk"},
		{"wrong kty", `{"kty":"EC","crv":"P-256","x":"AA","y":"AA"}`},
		{"missing n", `{"kty":"RSA","e":"AQAB"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := CanonicalizeJWK(tt.raw)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
}

func TestCanonicalizeJWK_Idempotent(t *testing.T) {
	_, n, e := testKeyPair(t)
	raw := fmt.Sprintf(`{"kty":"RSA","n":%q,"e":%q}`, n, e)

	canon, _, err := CanonicalizeJWK(raw)
	require.NoError(t, err)
	canon2, _, err := CanonicalizeJWK(canon)
	require.NoError(t, err)
	assert.Equal(t, canon, canon2)
}
