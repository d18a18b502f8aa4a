package plan

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	ErrMalformedCondition   = errors.New("malformed condition")
	ErrUnknownOutput        = errors.New("unknown output")
	ErrNonNumericComparison = errors.New("non-numeric operand for ordering comparison")
)

// Operator is a comparison operator of the condition grammar.
type Operator string

const (
	OpEq Operator = "=="
	OpNe Operator = "!="
	OpGe Operator = ">="
	OpLe Operator = "<="
	OpGt Operator = ">"
	OpLt Operator = "<"
)

// Two-character operators come first so ">=" is not read as ">".
var operators = []Operator{OpEq, OpNe, OpGe, OpLe, OpGt, OpLt}

// Condition is a parsed "name op literal" comparison.
type Condition struct {
	Name     string
	Op       Operator
	Literal  string
	Quoted   bool
	Original string
}

// ParseCondition parses a branch condition.
//
// The grammar is `output_name op literal`, where op is one of
// ==, !=, >=, <=, >, < and literal is a quoted string or a bare
// number or boolean token.
func ParseCondition(s string) (*Condition, error) {
	src := strings.TrimSpace(s)
	if src == "" {
		return nil, fmt.Errorf("%w: empty condition", ErrMalformedCondition)
	}

	opAt, op := -1, Operator("")
	for i := 0; i < len(src) && opAt < 0; i++ {
		for _, cand := range operators {
			if strings.HasPrefix(src[i:], string(cand)) {
				opAt, op = i, cand
				break
			}
		}
	}
	if opAt < 0 {
		return nil, fmt.Errorf("%w: no comparison operator in %q", ErrMalformedCondition, s)
	}

	name := strings.TrimSpace(src[:opAt])
	lit := strings.TrimSpace(src[opAt+len(op):])
	if !isIdentifier(name) {
		return nil, fmt.Errorf("%w: invalid output name %q in %q", ErrMalformedCondition, name, s)
	}
	if lit == "" {
		return nil, fmt.Errorf("%w: missing literal in %q", ErrMalformedCondition, s)
	}

	c := &Condition{Name: name, Op: op, Original: s}
	switch {
	case isQuoted(lit):
		c.Literal = lit[1 : len(lit)-1]
		c.Quoted = true
	case isBareLiteral(lit):
		c.Literal = lit
	default:
		return nil, fmt.Errorf("%w: literal %q must be quoted, a number, or a boolean", ErrMalformedCondition, lit)
	}
	return c, nil
}

// Evaluate compares the named output against the literal. Both sides are
// compared numerically when both parse as numbers; otherwise only == and !=
// apply, using equality of the trimmed output value.
func (c *Condition) Evaluate(outputs *Outputs) (bool, error) {
	raw, ok := outputs.Get(c.Name)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownOutput, c.Name)
	}
	value := strings.TrimSpace(raw)

	lv, lerr := strconv.ParseFloat(value, 64)
	rv, rerr := strconv.ParseFloat(c.Literal, 64)
	if lerr == nil && rerr == nil {
		return compareNumbers(lv, c.Op, rv), nil
	}

	switch c.Op {
	case OpEq:
		return c.stringEqual(value), nil
	case OpNe:
		return !c.stringEqual(value), nil
	default:
		return false, fmt.Errorf("%w: %s %s %q (value %q)", ErrNonNumericComparison, c.Name, c.Op, c.Literal, value)
	}
}

func (c *Condition) stringEqual(value string) bool {
	if isBoolWord(c.Literal) {
		return strings.EqualFold(value, c.Literal)
	}
	return value == c.Literal
}

func (c *Condition) String() string {
	lit := c.Literal
	if c.Quoted {
		lit = "'" + lit + "'"
	}
	return fmt.Sprintf("%s %s %s", c.Name, c.Op, lit)
}

func compareNumbers(a float64, op Operator, b float64) bool {
	switch op {
	case OpEq:
		return a == b
	case OpNe:
		return a != b
	case OpGe:
		return a >= b
	case OpLe:
		return a <= b
	case OpGt:
		return a > b
	case OpLt:
		return a < b
	}
	return false
}

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

func isIdentifier(s string) bool { return identifierRe.MatchString(s) }

func isQuoted(s string) bool {
	if len(s) < 2 {
		return false
	}
	q := s[0]
	return (q == '\'' || q == '"') && s[len(s)-1] == q
}

func isBareLiteral(s string) bool {
	if isBoolWord(s) {
		return true
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func isBoolWord(s string) bool {
	return strings.EqualFold(s, "true") || strings.EqualFold(s, "false")
}
