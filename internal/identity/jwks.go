package identity

import (
	"crypto/rsa"
	"encoding/base64"
	"math/big"

	"github.com/pkg/errors"
)

// parseRSAPublicKey decodes the base64url-encoded modulus and exponent of a
// JWKS RSA key entry into an *rsa.PublicKey.
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, errors.Wrap(err, "decode modulus")
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, errors.Wrap(err, "decode exponent")
	}
	exp := new(big.Int).SetBytes(eb)
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nb),
		E: int(exp.Int64()),
	}, nil
}
