// Package session is agora's session store.
//
// A session is one refresh-token lineage for one account. Rotation replaces
// the stored token hash in place (the session id never changes), and each
// secret is single-use. Revocation is terminal and sessions are never
// deleted. Every mutation of an account's sessions is serialized per account.
package session
