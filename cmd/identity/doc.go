// Package identity owns accounts and their credentials.
//
// It stores accounts behind the Store interface (Postgres or memory) and
// exposes Credentials, which registers accounts and verifies passwords with
// argon2id. Sessions and tokens live elsewhere; this package only answers
// "who is this and is the password right".
package identity
