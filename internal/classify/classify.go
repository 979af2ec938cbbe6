// Package classify recognises common password-hash families in credential
// strings pulled from breach dumps. A credential that matches no known
// pattern is treated as plaintext.
package classify

import "regexp"

// Type identifies the hash family of a credential string.
type Type string

// Recognised credential types. TypePlaintext is the fallback for anything
// that matches no hash pattern.
const (
	TypePlaintext  Type = "plaintext"
	TypeMD5Hex     Type = "md5-hex"
	TypeSHA1Hex    Type = "sha1-hex"
	TypeSHA256Hex  Type = "sha256-hex"
	TypeSHA512Hex  Type = "sha512-hex"
	TypeBcrypt     Type = "bcrypt"
	TypeArgon2     Type = "argon2"
	TypeMD5Crypt   Type = "md5-crypt"
	TypeSHA256Cry  Type = "sha256-crypt"
	TypeSHA512Cry  Type = "sha512-crypt"
	TypeSSHA       Type = "ssha"
	TypeSHA1Base64 Type = "sha1-base64"
)

// pattern pairs an anchored regexp with the type it identifies. Patterns
// are tried in table order and the first match wins. The scheme-prefixed
// formats ($2y$, $argon2id$, {SSHA}) begin with '$' or '{', so a crypt
// string never matches one of the bare hex digest patterns.
type pattern struct {
	re  *regexp.Regexp
	typ Type
}

var patterns = []pattern{
	{regexp.MustCompile(`^\$2[aby]\$\d{2}\$[A-Za-z0-9./]{53}$`), TypeBcrypt},
	{regexp.MustCompile(`^\$argon2(i|d|id)\$v=\d+\$.*\$.*\$.*$`), TypeArgon2},
	{regexp.MustCompile(`^\$1\$[^$]+\$[A-Za-z0-9./]+$`), TypeMD5Crypt},
	{regexp.MustCompile(`^\$5\$[^$]+\$[A-Za-z0-9./]+$`), TypeSHA256Cry},
	{regexp.MustCompile(`^\$6\$[^$]+\$[A-Za-z0-9./]+$`), TypeSHA512Cry},
	{regexp.MustCompile(`^\{SSHA\}[A-Za-z0-9+/=]+$`), TypeSSHA},
	{regexp.MustCompile(`^\{SHA\}[A-Za-z0-9+/=]+$`), TypeSHA1Base64},
	{regexp.MustCompile(`^[A-Fa-f0-9]{32}$`), TypeMD5Hex},
	{regexp.MustCompile(`^[A-Fa-f0-9]{40}$`), TypeSHA1Hex},
	{regexp.MustCompile(`^[A-Fa-f0-9]{64}$`), TypeSHA256Hex},
	{regexp.MustCompile(`^[A-Fa-f0-9]{128}$`), TypeSHA512Hex},
}

// Credential classifies a trimmed credential string. The first matching
// pattern wins; no match means plaintext with isHash false.
func Credential(s string) (isHash bool, typ Type) {
	for _, p := range patterns {
		if p.re.MatchString(s) {
			return true, p.typ
		}
	}
	return false, TypePlaintext
}
