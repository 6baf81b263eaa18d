// Package auth authenticates API callers of coven-router.
//
// Callers present an HS256 JWT signed with the configured jwt_secret:
//
//	Authorization: Bearer <token>
//
// The token's "sub" claim names the tenant the caller acts for, and "iss"
// must be "coven-router". A token carrying the "admin" scope may also use
// the tenant management endpoints.
//
// Tokens are minted with the CLI:
//
//	coven-router token --tenant acme --ttl 24h
//
// When no secret is configured the API runs unauthenticated and the tenant
// is taken from the request body.
package auth
