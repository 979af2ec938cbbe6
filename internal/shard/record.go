// Package shard implements the on-disk shard store: the JSONL record
// format, the batching append-mode writer, and the bounded LRU cache of
// open writers that enforces the process-wide file-descriptor budget.
//
// # Layout
//
// A record whose email hash begins with "3fa9" lands in
//
//	<root>/3f/3fa9.jsonl
//
// 256 subdirectories of up to 256 shards each, 65,536 shards total. Shard
// files are append-only within a run; nothing ever rewrites or truncates
// them.
package shard

import "encoding/json"

// PrefixLen is the number of leading hex digits of the email hash that
// select a shard.
const PrefixLen = 4

// Record is one shard line. Field order here fixes the JSON key order for
// every emitted line.
type Record struct {
	// EmailHash is the 64-hex-char keyed hash of the normalised email.
	EmailHash string `json:"email_hash"`
	// Password is the raw credential, plaintext or hash.
	Password string `json:"password"`
	// IsHash is true when Password was recognised as a password hash.
	IsHash bool `json:"is_hash"`
	// HashType names the recognised hash family, or "plaintext".
	HashType string `json:"hash_type"`
	// Email is the normalised address, or "" when scrubbing is enabled.
	Email string `json:"email"`
	// Source is the absolute path of the input file this line came from.
	Source string `json:"source"`
}

// Prefix returns the shard prefix (the first PrefixLen characters of the
// email hash). EmailHash must be a well-formed 64-char digest.
func (r *Record) Prefix() string {
	return r.EmailHash[:PrefixLen]
}

// Encode renders the record as a single JSON line without the trailing
// newline; the writer adds that.
func (r *Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}
