package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"fmt"
	"math/big"
)

// jwkToECDSA decodes a JSON Web Key (the "publicKeyJwk" field of a DID
// document's verification method) into an ECDSA public key. Only the P-256
// curve (JWK crv "P-256", JWT alg ES256) is supported.
func jwkToECDSA(jwk map[string]any) (*ecdsa.PublicKey, error) {
	if jwk == nil {
		return nil, fmt.Errorf("jwk: missing publicKeyJwk")
	}

	kty, _ := jwk["kty"].(string)
	if kty != "EC" {
		return nil, fmt.Errorf("jwk: unsupported kty %q", kty)
	}
	crv, _ := jwk["crv"].(string)
	if crv != "P-256" {
		return nil, fmt.Errorf("jwk: unsupported crv %q", crv)
	}

	xStr, _ := jwk["x"].(string)
	yStr, _ := jwk["y"].(string)
	if xStr == "" || yStr == "" {
		return nil, fmt.Errorf("jwk: missing x/y coordinates")
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(xStr)
	if err != nil {
		return nil, fmt.Errorf("jwk: decoding x: %w", err)
	}
	yBytes, err := base64.RawURLEncoding.DecodeString(yStr)
	if err != nil {
		return nil, fmt.Errorf("jwk: decoding y: %w", err)
	}

	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
