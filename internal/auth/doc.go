// Package auth issues and validates the bearer tokens that guard the HTTP API.
//
// Tokens are HS256 JWTs carrying a subject and a Role. Each role grants a
// fixed set of permissions:
//
//	reader    query, journal:read
//	operator  reader + exec, batch
//	admin     operator + raw
package auth
