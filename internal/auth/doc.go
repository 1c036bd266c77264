// Package auth authenticates callers of the staff API.
//
// # Tokens
//
// Staff tokens are HS256 JWTs signed with auth.jwt_secret:
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("ana", "store-1", 24*time.Hour)
//
// Claims:
//   - sub: who the caller is, recorded as the actor of stage changes
//   - store: optional; limits the token to one store
//   - exp/iat: standard expiry
//
// Tokens are issued offline with "order-gateway token".
//
// # HTTP
//
// HTTPAuthMiddleware verifies the bearer token and stores a *Staff in the
// request context; handlers read it with FromContext and check
// Staff.CanAccess before touching an order.
package auth
