package engine

import (
	"fmt"
	"strconv"
	"unicode"
)

// Expression is a parsed behavior condition. The grammar is deliberately
// small: comparisons of aggregate variables against numeric literals,
// combined with && and ||. || binds loosest.
//
//	expr   := and { "||" and }
//	and    := cmp { "&&" cmp }
//	cmp    := ident ( ">" | ">=" | "<" ) number
type Expression struct {
	root exprNode
	src  string
}

type exprNode interface {
	eval(vars map[string]float64) (bool, error)
}

type orNode struct{ terms []exprNode }

func (n orNode) eval(vars map[string]float64) (bool, error) {
	for _, t := range n.terms {
		ok, err := t.eval(vars)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

type andNode struct{ terms []exprNode }

func (n andNode) eval(vars map[string]float64) (bool, error) {
	for _, t := range n.terms {
		ok, err := t.eval(vars)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

type cmpNode struct {
	ident string
	op    string
	value float64
}

func (n cmpNode) eval(vars map[string]float64) (bool, error) {
	v, ok := vars[n.ident]
	if !ok {
		return false, fmt.Errorf("unknown variable %q", n.ident)
	}
	switch n.op {
	case ">":
		return v > n.value, nil
	case ">=":
		return v >= n.value, nil
	case "<":
		return v < n.value, nil
	default:
		return false, fmt.Errorf("unknown operator %q", n.op)
	}
}

// ParseExpression parses a behavior condition expression.
func ParseExpression(src string) (*Expression, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected token %q", p.tokens[p.pos])
	}
	return &Expression{root: root, src: src}, nil
}

// Eval evaluates the expression against the aggregate variables.
func (e *Expression) Eval(vars map[string]float64) (bool, error) {
	return e.root.eval(vars)
}

// String returns the original source of the expression.
func (e *Expression) String() string { return e.src }

type parser struct {
	tokens []string
	pos    int
}

func (p *parser) parseOr() (exprNode, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	terms := []exprNode{first}
	for p.pos < len(p.tokens) && p.tokens[p.pos] == "||" {
		p.pos++
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return orNode{terms: terms}, nil
}

func (p *parser) parseAnd() (exprNode, error) {
	first, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	terms := []exprNode{first}
	for p.pos < len(p.tokens) && p.tokens[p.pos] == "&&" {
		p.pos++
		next, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		terms = append(terms, next)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return andNode{terms: terms}, nil
}

func (p *parser) parseCmp() (exprNode, error) {
	ident, err := p.next("variable")
	if err != nil {
		return nil, err
	}
	if !isIdent(ident) {
		return nil, fmt.Errorf("expected variable, got %q", ident)
	}
	op, err := p.next("operator")
	if err != nil {
		return nil, err
	}
	switch op {
	case ">", ">=", "<":
	default:
		return nil, fmt.Errorf("expected comparison operator, got %q", op)
	}
	lit, err := p.next("number")
	if err != nil {
		return nil, err
	}
	value, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return nil, fmt.Errorf("expected number, got %q", lit)
	}
	return cmpNode{ident: ident, op: op, value: value}, nil
}

func (p *parser) next(want string) (string, error) {
	if p.pos >= len(p.tokens) {
		return "", fmt.Errorf("expected %s, got end of expression", want)
	}
	tok := p.tokens[p.pos]
	p.pos++
	return tok, nil
}

func tokenize(src string) ([]string, error) {
	var tokens []string
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '&' || c == '|':
			if i+1 >= len(src) || src[i+1] != c {
				return nil, fmt.Errorf("invalid operator at position %d", i)
			}
			tokens = append(tokens, src[i:i+2])
			i += 2
		case c == '>' || c == '<':
			if i+1 < len(src) && src[i+1] == '=' {
				tokens = append(tokens, src[i:i+2])
				i += 2
			} else {
				tokens = append(tokens, string(c))
				i++
			}
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i
			for j < len(src) && (isIdentByte(src[j])) {
				j++
			}
			tokens = append(tokens, src[i:j])
			i = j
		case unicode.IsDigit(rune(c)) || c == '.':
			j := i
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			tokens = append(tokens, src[i:j])
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", c, i)
		}
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty expression")
	}
	return tokens, nil
}

func isIdent(s string) bool {
	if s == "" || s == "&&" || s == "||" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}

func isIdentByte(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}
