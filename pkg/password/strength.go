package password

import (
	"strings"
	"unicode"

	zxcvbn "github.com/nbutton23/zxcvbn-go"
)

// StrengthContext carries user attributes a password must not contain.
type StrengthContext struct {
	Email string
	Name  string
}

const (
	minLength       = 12
	minCharClasses  = 3
	minZxcvbnScore  = 2
	contextOverlapN = 4 // shortest context substring worth rejecting on
)

// CheckStrength enforces the password policy:
//   - at least 12 characters,
//   - at least 3 of {lower, upper, digit, symbol},
//   - zxcvbn score >= 2,
//   - must not contain the email localpart or the display name.
//
// The returned error is always CodeWeakPassword with a "reason" detail; the
// transport never sees the password itself.
func CheckStrength(password string, sctx StrengthContext) error {
	if len(password) < minLength {
		return weak("too_short")
	}

	var lower, upper, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	classes := 0
	for _, present := range []bool{lower, upper, digit, symbol} {
		if present {
			classes++
		}
	}
	if classes < minCharClasses {
		return weak("too_few_character_classes")
	}

	folded := strings.ToLower(password)
	for _, fragment := range contextFragments(sctx) {
		if len(fragment) >= contextOverlapN && strings.Contains(folded, fragment) {
			return weak("contains_personal_info")
		}
	}

	inputs := []string{sctx.Email, sctx.Name}
	if score := zxcvbn.PasswordStrength(password, inputs).Score; score < minZxcvbnScore {
		return weak("guessable")
	}

	return nil
}

func weak(reason string) error {
	return ErrRegistry.New(CodeWeakPassword).WithDetail("reason", reason)
}

func contextFragments(sctx StrengthContext) []string {
	var fragments []string
	if at := strings.IndexByte(sctx.Email, '@'); at > 0 {
		fragments = append(fragments, strings.ToLower(sctx.Email[:at]))
	}
	for _, part := range strings.Fields(sctx.Name) {
		fragments = append(fragments, strings.ToLower(part))
	}
	return fragments
}
