// Package identity implements account lifecycle, challenge-response login,
// and the in-memory bearer-session registry. The server never sees a
// password: possession of the private key matching the registered public key
// is the only credential.
package identity

import (
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"

	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/lrcom/lrcom-server/internal/v1/apperr"
)

// CanonicalizeJWK parses a client-supplied JWK string and returns both the
// canonical stored form and the usable RSA key. The canonical form has a
// fixed field order so two encodings of the same key compare byte-equal;
// login lookups rely on that.
func CanonicalizeJWK(raw string) (string, *rsa.PublicKey, error) {
	key, err := jwk.ParseKey([]byte(raw))
	if err != nil {
		return "", nil, apperr.Wrap(apperr.KindValidation, "invalid public key", err)
	}
	if key.KeyType() != "RSA" {
		return "", nil, apperr.New(apperr.KindValidation, "public key must be RSA")
	}

	var pub rsa.PublicKey
	if err := key.Raw(&pub); err != nil {
		return "", nil, apperr.Wrap(apperr.KindValidation, "invalid public key", err)
	}
	if pub.N == nil || pub.N.Sign() <= 0 || pub.E <= 0 {
		return "", nil, apperr.New(apperr.KindValidation, "invalid public key")
	}

	return canonicalJWK(&pub), &pub, nil
}

// canonicalJWK serializes the key as the stable stored form: fixed field
// order, ext true, key_ops ["encrypt"].
func canonicalJWK(pub *rsa.PublicKey) string {
	n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())
	return fmt.Sprintf(`{"kty":"RSA","n":%q,"e":%q,"ext":true,"key_ops":["encrypt"]}`, n, e)
}
