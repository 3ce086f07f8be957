// Package validation provides centralized input validation for tally
// identifiers: accounts, apps, redeem tokens and purchase transaction ids.
package validation

import (
	"fmt"
	"strings"
	"unicode"
)

// maxIdentifierLength bounds every identifier stored in a VARCHAR key column.
const maxIdentifierLength = 255

// =============================================================================
// Name Validation
// =============================================================================

// nameRules defines the validation rules for identifiers.
type nameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
	AllowSpaces  bool

	// Extra lists further allowed punctuation, e.g. "@+" for e-mail accounts.
	Extra string
}

// accountRules returns the rules for account names. Accounts are usually
// e-mail addresses.
func accountRules() nameRules {
	return nameRules{
		MinLength:    1,
		MaxLength:    maxIdentifierLength,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
		Extra:        "@+",
	}
}

// appRules returns the rules for app names. An empty app is allowed.
func appRules() nameRules {
	return nameRules{
		MinLength:    0,
		MaxLength:    maxIdentifierLength,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
		AllowSpaces:  true,
	}
}

// tokenRules returns the rules for redeem tokens.
func tokenRules() nameRules {
	return nameRules{
		MinLength:    1,
		MaxLength:    64,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// validateName validates a name according to the given rules.
func validateName(name string, rules nameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("too long: maximum %d characters allowed", rules.MaxLength)
	}

	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("cannot start with '.'")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("control character at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("path separator at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules nameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	case ' ':
		return rules.AllowSpaces
	}
	return strings.ContainsRune(rules.Extra, r)
}

// ValidateAccount validates an account name.
func ValidateAccount(account string) error {
	if account == "" {
		return fmt.Errorf("empty account")
	}
	if err := validateName(account, accountRules()); err != nil {
		return fmt.Errorf("account: %w", err)
	}
	return nil
}

// ValidateApp validates an app name.
func ValidateApp(app string) error {
	if err := validateName(app, appRules()); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	return nil
}

// ValidateToken validates the format of a redeem token.
func ValidateToken(token string) error {
	if token == "" {
		return fmt.Errorf("empty token")
	}
	if err := validateName(token, tokenRules()); err != nil {
		return fmt.Errorf("token: %w", err)
	}
	return nil
}

// =============================================================================
// Transaction ID Validation
// =============================================================================

// ValidateTransactionID validates an external purchase transaction id.
// Store ids are opaque, so only emptiness, length and control characters
// are checked.
func ValidateTransactionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("empty transaction id")
	}

	for i, c := range id {
		if c < 32 || c == 127 {
			return fmt.Errorf("transaction id contains a control character at position %d", i)
		}
	}

	if len(id) > maxIdentifierLength {
		return fmt.Errorf("transaction id too long: maximum %d characters", maxIdentifierLength)
	}

	return nil
}
