// Package parse extracts (email, credential) pairs from raw breach-dump
// lines. Dumps are wildly inconsistent — colon-, semicolon-, whitespace-
// delimited, stray control bytes, BOMs, compound "pw:extra" credentials —
// so the parser infers the delimiter per line and never trusts a file to be
// uniform.
package parse

import (
	"regexp"
	"strings"
)

// MaxRecordBytes caps len(email)+len(password)+len(source). Longer lines are
// skipped; they are almost always corrupt concatenations, and the cap bounds
// the size of a single shard record.
const MaxRecordBytes = 4000

// Verdict says what happened to a line.
type Verdict int

const (
	// Accepted means the line produced a usable (email, credential) pair.
	Accepted Verdict = iota
	// SkippedEmpty: the line was empty after cleaning.
	SkippedEmpty
	// SkippedFieldCount: fewer than two non-empty fields, or a multi-field
	// line while salvage is disabled.
	SkippedFieldCount
	// SkippedNoEmail: neither field looks like an email address.
	SkippedNoEmail
	// SkippedOversize: the record would exceed MaxRecordBytes.
	SkippedOversize
)

// String returns the counter name used in logs for this verdict.
func (v Verdict) String() string {
	switch v {
	case Accepted:
		return "accepted"
	case SkippedEmpty:
		return "skipped_empty"
	case SkippedFieldCount:
		return "skipped_field_count"
	case SkippedNoEmail:
		return "skipped_no_email"
	case SkippedOversize:
		return "skipped_oversize"
	default:
		return "unknown"
	}
}

// Pair is a parsed line: the raw email and raw credential substrings, both
// trimmed, roles already assigned.
type Pair struct {
	Email    string
	Password string
	// MultiField is true when the line contained more than two fields under
	// its delimiter. Such source files are recorded once in the multi-field
	// audit log.
	MultiField bool
}

// emailRE is the loose role-assignment pattern: it decides which of the two
// fields is the email, not whether the address is valid.
var emailRE = regexp.MustCompile(`\S+@\S+\.\S+`)

// Parser splits lines for a single source file.
type Parser struct {
	// sourceLen is counted against MaxRecordBytes for every line.
	sourceLen int
	// salvage keeps multi-field lines, using the first-delimiter split, so
	// compound credentials survive as the password field.
	salvage bool
}

// New returns a Parser for the source file at path. salvage controls
// multi-field handling: true processes such lines with a first-delimiter
// split, false rejects them outright.
func New(sourcePath string, salvage bool) *Parser {
	return &Parser{sourceLen: len(sourcePath), salvage: salvage}
}

// Line cleans and splits one raw input line. The Pair is meaningful only
// when the Verdict is Accepted, except that Pair.MultiField is valid for
// SkippedFieldCount too (a rejected multi-field line still triggers the
// audit entry).
func (p *Parser) Line(raw string) (Pair, Verdict) {
	s := clean(raw)
	if s == "" {
		return Pair{}, SkippedEmpty
	}

	f1, f2, multi, ok := split(s)
	if !ok {
		return Pair{}, SkippedFieldCount
	}
	if multi && !p.salvage {
		return Pair{MultiField: true}, SkippedFieldCount
	}

	var email, password string
	switch {
	case emailRE.MatchString(f1):
		email, password = f1, f2
	case emailRE.MatchString(f2):
		email, password = f2, f1
	default:
		return Pair{}, SkippedNoEmail
	}

	if len(email)+len(password)+p.sourceLen > MaxRecordBytes {
		return Pair{}, SkippedOversize
	}

	return Pair{Email: email, Password: password, MultiField: multi}, Accepted
}

// split infers the delimiter and breaks s into two trimmed fields. The
// delimiter preference is ':', then ';', then a whitespace run; the split is
// always at the first occurrence so compound right-hand sides stay intact.
// multi reports whether a stricter full split would have produced more than
// two fields. ok is false when two non-empty fields cannot be formed.
func split(s string) (f1, f2 string, multi, ok bool) {
	switch {
	case strings.ContainsRune(s, ':'):
		i := strings.IndexByte(s, ':')
		f1, f2 = s[:i], s[i+1:]
		multi = strings.Count(s, ":") > 1
	case strings.ContainsRune(s, ';'):
		i := strings.IndexByte(s, ';')
		f1, f2 = s[:i], s[i+1:]
		multi = strings.Count(s, ";") > 1
	default:
		i := strings.IndexAny(s, " ")
		if i < 0 {
			return "", "", false, false
		}
		f1, f2 = s[:i], s[i+1:]
		multi = len(strings.Fields(s)) > 2
	}

	f1 = strings.TrimSpace(f1)
	f2 = strings.TrimSpace(f2)
	if f1 == "" || f2 == "" {
		return f1, f2, multi, false
	}
	return f1, f2, multi, true
}

// clean strips a UTF-8 BOM, drops control bytes, and trims surrounding
// whitespace. Tabs are rewritten to spaces rather than dropped so that
// tab-delimited dumps keep their field boundary.
func clean(raw string) string {
	s := strings.TrimPrefix(raw, "\ufeff")

	hasCtl := false
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] == 0x7F {
			hasCtl = true
			break
		}
	}
	if hasCtl {
		var b strings.Builder
		b.Grow(len(s))
		for i := 0; i < len(s); i++ {
			c := s[i]
			switch {
			case c == '\t':
				b.WriteByte(' ')
			case c < 0x20 || c == 0x7F:
				// dropped
			default:
				b.WriteByte(c)
			}
		}
		s = b.String()
	}

	return strings.TrimSpace(s)
}
