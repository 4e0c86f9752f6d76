package assertion

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

// Kind tags the variant of an assertion token, decoded once at
// scenario load time rather than re-parsed on every evaluation
// (SPEC_FULL.md §9).
type Kind string

const (
	KindAny            Kind = "ANY"
	KindLiteral        Kind = "LITERAL"
	KindContains       Kind = "CONTAINS"
	KindRegex          Kind = "REGEX"
	KindComparator     Kind = "COMPARATOR"
	KindPlaceholderRef Kind = "PLACEHOLDER_REF"
)

// Token is the tagged-variant representation of one assertion value:
// Any | Literal | Contains | Regex | Comparator | PlaceholderRef.
type Token struct {
	Kind            Kind
	Literal         any // parsed JSON scalar for KindLiteral
	Needle          string
	Pattern         *regexp.Regexp
	ComparatorOp    string
	ComparatorValue float64
	PlaceholderName string
	raw             string
}

// Raw returns the original, unparsed token string, used for reporting.
func (t *Token) Raw() string { return t.raw }

var placeholderRefPattern = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_.]*)\}$`)
var comparatorPattern = regexp.MustCompile(`^(>=|<=|!=|>|<)(-?\d+(?:\.\d+)?)$`)

// ParseToken decodes a raw assertion string into its tagged variant,
// per the token grammar in SPEC_FULL.md §4.1/§6.
func ParseToken(raw string) (*Token, error) {
	tok, err := parseTokenKind(raw)
	if tok != nil {
		tok.raw = raw
	}
	return tok, err
}

func parseTokenKind(raw string) (*Token, error) {
	switch {
	case raw == "<any>":
		return &Token{Kind: KindAny}, nil

	case strings.HasPrefix(raw, "contains:"):
		return &Token{Kind: KindContains, Needle: strings.TrimPrefix(raw, "contains:")}, nil

	case strings.HasPrefix(raw, "regex:"):
		pattern := strings.TrimPrefix(raw, "regex:")
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			return nil, &InvalidTokenError{Raw: raw, Reason: err.Error()}
		}
		return &Token{Kind: KindRegex, Pattern: re}, nil

	case comparatorPattern.MatchString(raw):
		m := comparatorPattern.FindStringSubmatch(raw)
		n, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return nil, &InvalidTokenError{Raw: raw, Reason: err.Error()}
		}
		return &Token{Kind: KindComparator, ComparatorOp: m[1], ComparatorValue: n}, nil

	case placeholderRefPattern.MatchString(raw):
		m := placeholderRefPattern.FindStringSubmatch(raw)
		return &Token{Kind: KindPlaceholderRef, PlaceholderName: m[1]}, nil

	default:
		var lit any
		if err := json.Unmarshal([]byte(raw), &lit); err != nil {
			// Not valid JSON — treat as a bare string literal.
			lit = raw
		}
		return &Token{Kind: KindLiteral, Literal: lit}, nil
	}
}

// InvalidTokenError reports an assertion token that fails to parse.
type InvalidTokenError struct {
	Raw    string
	Reason string
}

func (e *InvalidTokenError) Error() string {
	return "invalid assertion token " + strconv.Quote(e.Raw) + ": " + e.Reason
}
