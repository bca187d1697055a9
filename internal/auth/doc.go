// Package auth provides authentication and authorisation for the
// gateway bridge API.
//
// It implements a 2-tier role model (user → admin) with:
//   - Argon2id password hashing (OWASP recommendation)
//   - Short-lived HS256 JWT access tokens validated by signature only
//   - Ownership scoping: users see only gateways they have claimed and
//     the devices behind them; admins bypass scoping
//
// There are no refresh tokens: access tokens are cheap to re-issue via
// login and the API fronts a local device estate, not a public service.
package auth
