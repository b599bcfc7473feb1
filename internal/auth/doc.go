// Package auth authenticates WebSocket clients with HS256 JWTs.
//
// # Tokens
//
// An Issuer both mints and validates tokens:
//
//	issuer, err := auth.NewIssuer(auth.IssuerConfig{Secret: secret, TTL: time.Hour})
//	token, id, err := issuer.Issue("user-42")
//	id, err = issuer.Validate(token)
//
// Tokens carry sub, jti, iat and exp (plus iss/aud when configured).
// Validation is stateless. Failures are split in two:
//
//   - ErrExpiredToken: signature is good but exp has passed
//   - ErrInvalidSignature: anything else (tampered, malformed, wrong key)
//
// # Validation Cache
//
// With IssuerConfig.CacheTTL set, successful validations are kept in an
// expirable LRU so reconnect storms do not re-verify the same token. A cached
// entry never outlives the token's own exp.
//
// # Presenting Tokens
//
// Clients present a token on the upgrade request (Authorization: Bearer or
// ?token=) or in their first frame as {"token": "..."}.
package auth
