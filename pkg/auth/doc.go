// Package auth implements the admin-side authentication core.
//
// Logins are rate limited per email over a sliding window, with a
// temporary lockout once the failure budget is spent. Unknown users
// and wrong passwords return an identical error after comparable work,
// so neither the message nor the timing reveals whether an email is
// registered. Password hashes live either on the user record or in
// the secret manager, behind the same PasswordStore interface.
//
// Sessions are a short-lived HMAC-signed access token carrying the
// user, nest, and role, plus an opaque refresh token persisted with a
// TTL; refresh tokens rotate on every use and die on logout. TOTP
// two-factor is optional per user and enforced at login once enrolled.
package auth
