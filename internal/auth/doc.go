// Package auth verifies the bearer tokens clients present when they connect.
//
// Tokens are HMAC-signed JWTs carrying a userId claim. A token can arrive in the
// authenticate event, the token query parameter or an Authorization header, in
// that order of precedence.
package auth
