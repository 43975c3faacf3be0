package metadata

import (
	"fmt"

	"github.com/alwitt/evgate/common"
	"github.com/apex/log"
	"github.com/golang-jwt/jwt/v5"
)

// Claims decoded claims of one bearer token
type Claims map[string]interface{}

// TokenDecoder verifies and decodes a bearer token into its claims
type TokenDecoder interface {
	// VerifyAndDecode verify the token signature and return the decoded claims
	VerifyAndDecode(token string) (Claims, error)
}

// hmacTokenDecoder implements TokenDecoder for HMAC signed JWTs
type hmacTokenDecoder struct {
	common.Component
	secret []byte
}

// GetHMACTokenDecoder define a TokenDecoder verifying HMAC signed JWTs
func GetHMACTokenDecoder(secret []byte) (TokenDecoder, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("HMAC token decoder needs a secret")
	}
	logTags := log.Fields{
		"module": "metadata", "component": "hmac-token-decoder",
	}
	return &hmacTokenDecoder{
		Component: common.Component{LogTags: logTags}, secret: secret,
	}, nil
}

// VerifyAndDecode verify the token signature and return the decoded claims
func (d *hmacTokenDecoder) VerifyAndDecode(token string) (Claims, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return d.secret, nil
	})
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Debug("Bearer token decode failed")
		return nil, err
	}
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("bearer token carries no map claims")
	}
	result := Claims{}
	for name, value := range mapClaims {
		result[name] = value
	}
	return result, nil
}

// ==============================================================================

// MergeJWTFields derive metadata fields from bearer token claims.
//
// mapping associates a local metadata field name with the JWT claim sourcing
// it. A claim absent from a token contributes no entry. When multiple claim
// sets are given, later sets override earlier ones key-for-key.
func MergeJWTFields(mapping map[string]string, claimSets ...Claims) map[string]string {
	derived := map[string]string{}
	for _, claims := range claimSets {
		for localName, claimName := range mapping {
			value, ok := claims[claimName]
			if !ok {
				continue
			}
			if asString, ok := value.(string); ok {
				derived[localName] = asString
			} else {
				derived[localName] = fmt.Sprintf("%v", value)
			}
		}
	}
	return derived
}
