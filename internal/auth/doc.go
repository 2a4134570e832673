// Package auth keeps the federation administrator credentials. Passwords
// are stored as bcrypt hashes in a JSON file; a successful login hands out
// an opaque session token.
package auth
