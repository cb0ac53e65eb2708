package relay

import (
	"fmt"
	"regexp"
	"strconv"
)

// CriterionKind identifies the variant held by a Criterion.
type CriterionKind uint8

const (
	// LiteralCriterion matches a value equal to the literal.
	LiteralCriterion CriterionKind = iota
	// AnyCriterion matches any value as long as the key is present.
	AnyCriterion
	// RegexpCriterion matches values whose text form matches a regular expression.
	RegexpCriterion
)

// String returns the criterion kind name.
func (k CriterionKind) String() string {
	switch k {
	case LiteralCriterion:
		return "literal"
	case AnyCriterion:
		return "any"
	case RegexpCriterion:
		return "regexp"
	default:
		return "unknown"
	}
}

// Criterion is the matching rule stored for one key of a Pattern.
// It is one of Literal, Any or Regexp.
type Criterion struct {
	kind CriterionKind
	text string
	re   *regexp.Regexp
}

// Literal returns a Criterion that matches values equal to v. Values are
// compared by their canonical text form, so the number 1 and the string "1"
// are the same literal.
func Literal(v any) Criterion {
	return Criterion{kind: LiteralCriterion, text: textOf(v)}
}

// Any returns a Criterion that matches any value of a present key.
func Any() Criterion {
	return Criterion{kind: AnyCriterion}
}

// Regexp returns a Criterion that matches values whose text form matches re.
func Regexp(re *regexp.Regexp) Criterion {
	return Criterion{kind: RegexpCriterion, re: re, text: re.String()}
}

// Kind returns the criterion variant.
func (c Criterion) Kind() CriterionKind { return c.kind }

// Matches reports whether v satisfies the criterion.
func (c Criterion) Matches(v any) bool {
	switch c.kind {
	case AnyCriterion:
		return true
	case LiteralCriterion:
		s, ok := scalarText(v)
		return ok && s == c.text
	case RegexpCriterion:
		s, ok := scalarText(v)
		return ok && c.re.MatchString(s)
	default:
		return false
	}
}

// Equal reports whether two criteria describe the same rule. Regular
// expressions are compared by source.
func (c Criterion) Equal(o Criterion) bool {
	return c.kind == o.kind && c.text == o.text
}

// String renders the criterion in pattern text syntax.
func (c Criterion) String() string {
	switch c.kind {
	case AnyCriterion:
		return ""
	case RegexpCriterion:
		return "/" + c.text + "/"
	default:
		return c.text
	}
}

// literalText returns the literal value for routing keys. ok is false for
// Any and Regexp criteria.
func (c Criterion) literalText() (string, bool) {
	if c.kind != LiteralCriterion {
		return "", false
	}
	return c.text, true
}

// criterionOf converts a registration value into a Criterion.
func criterionOf(v any) (Criterion, error) {
	switch x := v.(type) {
	case Criterion:
		return x, nil
	case *regexp.Regexp:
		if x == nil {
			return Criterion{}, fmt.Errorf("nil regular expression")
		}
		return Regexp(x), nil
	case nil:
		return Any(), nil
	}
	if _, ok := scalarText(v); !ok {
		return Criterion{}, fmt.Errorf("unsupported criterion type %T", v)
	}
	return Literal(v), nil
}

// scalarText returns the canonical text of a scalar value. Maps, slices and
// other composite values have no text form and never match literals.
func scalarText(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.FormatInt(int64(x), 10), true
	case int8:
		return strconv.FormatInt(int64(x), 10), true
	case int16:
		return strconv.FormatInt(int64(x), 10), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint:
		return strconv.FormatUint(uint64(x), 10), true
	case uint8:
		return strconv.FormatUint(uint64(x), 10), true
	case uint16:
		return strconv.FormatUint(uint64(x), 10), true
	case uint32:
		return strconv.FormatUint(uint64(x), 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case fmt.Stringer:
		return x.String(), true
	default:
		return "", false
	}
}

func textOf(v any) string {
	if s, ok := scalarText(v); ok {
		return s
	}
	return fmt.Sprint(v)
}
