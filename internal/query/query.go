// Package query compiles client-supplied predicate strings into pure
// record -> bool functions. Predicates are parsed against a fixed
// grammar; nothing is ever evaluated by the host language.
//
// Grammar:
//
//	expr    := or
//	or      := and ("or" and)*
//	and     := unary ("and" unary)*
//	unary   := "not" unary | cmp
//	cmp     := operand (("=="|"!="|"<"|"<="|">"|">="|"in") operand)?
//	operand := literal | field | "(" expr ")"
//	field   := IDENT ("." IDENT)*
//	literal := NUMBER | STRING | "true" | "false" | "null" | "[" ... "]"
//
// Missing record fields read as null. Ordered comparisons are defined
// for number/number and string/string and are false otherwise. "in"
// means substring for strings, element membership for lists, and key
// membership for maps. A bare expression result is interpreted with
// truthiness rules: null, false, zero, and empty containers are
// false, everything else is true.
package query

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/axonops/axonops-docstore/internal/dberr"
)

// Predicate is a compiled, side-effect-free filter over a record.
type Predicate func(record map[string]any) bool

// Compile parses src and returns its predicate. Any syntax error
// yields a MalformedQueryError.
func Compile(src string) (Predicate, error) {
	p := &parser{lex: newLexer(src)}
	if err := p.next(); err != nil {
		return nil, err
	}
	root, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, malformed(src, "unexpected %q after expression", p.tok.text)
	}
	return func(record map[string]any) bool {
		return truthy(root.eval(record))
	}, nil
}

func malformed(src string, format string, args ...any) error {
	return dberr.New(dberr.KindMalformedQuery, "query %q is malformed: %s", src, fmt.Sprintf(format, args...))
}

// --- lexer ---

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp     // == != < <= > >=
	tokLParen // (
	tokRParen // )
	tokLBrack // [
	tokRBrack // ]
	tokComma  // ,
	tokDot    // .
)

type token struct {
	kind tokenKind
	text string
	num  float64
}

type lexer struct {
	src string
	pos int
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

func (l *lexer) lex() (token, error) {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF}, nil
	}
	c := l.src[l.pos]
	switch {
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "("}, nil
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")"}, nil
	case c == '[':
		l.pos++
		return token{kind: tokLBrack, text: "["}, nil
	case c == ']':
		l.pos++
		return token{kind: tokRBrack, text: "]"}, nil
	case c == ',':
		l.pos++
		return token{kind: tokComma, text: ","}, nil
	case c == '.':
		l.pos++
		return token{kind: tokDot, text: "."}, nil
	case c == '=' || c == '!' || c == '<' || c == '>':
		return l.lexOperator()
	case c == '\'' || c == '"':
		return l.lexString(c)
	case c == '-' || (c >= '0' && c <= '9'):
		return l.lexNumber()
	case c == '_' || unicode.IsLetter(rune(c)):
		return l.lexIdent()
	}
	return token{}, malformed(l.src, "unexpected character %q", string(c))
}

func (l *lexer) lexOperator() (token, error) {
	if l.pos+1 < len(l.src) && l.src[l.pos+1] == '=' {
		op := l.src[l.pos : l.pos+2]
		l.pos += 2
		return token{kind: tokOp, text: op}, nil
	}
	c := l.src[l.pos]
	if c == '=' || c == '!' {
		return token{}, malformed(l.src, "incomplete operator %q", string(c))
	}
	l.pos++
	return token{kind: tokOp, text: string(c)}, nil
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' && l.pos+1 < len(l.src) {
			next := l.src[l.pos+1]
			switch next {
			case '\\', '\'', '"':
				sb.WriteByte(next)
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				return token{}, malformed(l.src, "unknown escape \\%s", string(next))
			}
			l.pos += 2
			continue
		}
		if c == quote {
			l.pos++
			return token{kind: tokString, text: sb.String()}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, malformed(l.src, "unterminated string starting at offset %d", start)
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if l.src[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.src) && (l.src[l.pos] >= '0' && l.src[l.pos] <= '9' || l.src[l.pos] == '.' ||
		l.src[l.pos] == 'e' || l.src[l.pos] == 'E' ||
		((l.src[l.pos] == '+' || l.src[l.pos] == '-') && (l.src[l.pos-1] == 'e' || l.src[l.pos-1] == 'E'))) {
		l.pos++
	}
	text := l.src[start:l.pos]
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, malformed(l.src, "invalid number %q", text)
	}
	return token{kind: tokNumber, text: text, num: n}, nil
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.src) {
		c := rune(l.src[l.pos])
		if c == '_' || unicode.IsLetter(c) || unicode.IsDigit(c) {
			l.pos++
			continue
		}
		break
	}
	return token{kind: tokIdent, text: l.src[start:l.pos]}, nil
}

// --- parser ---

type parser struct {
	lex *lexer
	tok token
}

func (p *parser) next() error {
	tok, err := p.lex.lex()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) parseExpr() (node, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokIdent && p.tok.text == "or" {
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok.kind == tokIdent && p.tok.text == "and" {
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.tok.kind == tokIdent && p.tok.text == "not" {
		if err := p.next(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() (node, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if p.tok.kind == tokOp || (p.tok.kind == tokIdent && p.tok.text == "in") {
		op := p.tok.text
		if err := p.next(); err != nil {
			return nil, err
		}
		right, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &cmpNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *parser) parseOperand() (node, error) {
	switch p.tok.kind {
	case tokNumber:
		n := litNode{value: p.tok.num}
		return &n, p.next()
	case tokString:
		n := litNode{value: p.tok.text}
		return &n, p.next()
	case tokLParen:
		if err := p.next(); err != nil {
			return nil, err
		}
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, malformed(p.lex.src, "expected ')', got %q", p.tok.text)
		}
		return inner, p.next()
	case tokLBrack:
		return p.parseList()
	case tokIdent:
		switch p.tok.text {
		case "true":
			n := litNode{value: true}
			return &n, p.next()
		case "false":
			n := litNode{value: false}
			return &n, p.next()
		case "null":
			n := litNode{value: nil}
			return &n, p.next()
		case "and", "or", "not", "in":
			return nil, malformed(p.lex.src, "unexpected keyword %q", p.tok.text)
		}
		return p.parseField()
	case tokEOF:
		return nil, malformed(p.lex.src, "unexpected end of expression")
	}
	return nil, malformed(p.lex.src, "unexpected %q", p.tok.text)
}

func (p *parser) parseField() (node, error) {
	path := []string{p.tok.text}
	if err := p.next(); err != nil {
		return nil, err
	}
	for p.tok.kind == tokDot {
		if err := p.next(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokIdent {
			return nil, malformed(p.lex.src, "expected field name after '.'")
		}
		path = append(path, p.tok.text)
		if err := p.next(); err != nil {
			return nil, err
		}
	}
	return &fieldNode{path: path}, nil
}

func (p *parser) parseList() (node, error) {
	if err := p.next(); err != nil { // consume '['
		return nil, err
	}
	var elems []node
	if p.tok.kind == tokRBrack {
		return &listNode{elems: elems}, p.next()
	}
	for {
		elem, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		elems = append(elems, elem)
		if p.tok.kind == tokComma {
			if err := p.next(); err != nil {
				return nil, err
			}
			continue
		}
		if p.tok.kind == tokRBrack {
			return &listNode{elems: elems}, p.next()
		}
		return nil, malformed(p.lex.src, "expected ',' or ']' in list, got %q", p.tok.text)
	}
}

// --- evaluation ---

type node interface {
	eval(record map[string]any) any
}

type litNode struct{ value any }

func (n *litNode) eval(map[string]any) any { return n.value }

type listNode struct{ elems []node }

func (n *listNode) eval(record map[string]any) any {
	out := make([]any, len(n.elems))
	for i, e := range n.elems {
		out[i] = e.eval(record)
	}
	return out
}

type fieldNode struct{ path []string }

func (n *fieldNode) eval(record map[string]any) any {
	var cur any = record
	for _, name := range n.path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[name]
		if !ok {
			return nil
		}
	}
	return cur
}

type notNode struct{ operand node }

func (n *notNode) eval(record map[string]any) any {
	return !truthy(n.operand.eval(record))
}

type binaryNode struct {
	op          string
	left, right node
}

func (n *binaryNode) eval(record map[string]any) any {
	l := truthy(n.left.eval(record))
	if n.op == "and" {
		return l && truthy(n.right.eval(record))
	}
	return l || truthy(n.right.eval(record))
}

type cmpNode struct {
	op          string
	left, right node
}

func (n *cmpNode) eval(record map[string]any) any {
	l := n.left.eval(record)
	r := n.right.eval(record)
	switch n.op {
	case "==":
		return looseEqual(l, r)
	case "!=":
		return !looseEqual(l, r)
	case "in":
		return contains(l, r)
	}
	return ordered(n.op, l, r)
}

// looseEqual is deep equality with numbers compared by value.
func looseEqual(a, b any) bool {
	if na, ok := asNumber(a); ok {
		if nb, ok := asNumber(b); ok {
			return na == nb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// ordered applies <, <=, >, >= over two numbers or two strings.
// Incomparable operands are never ordered.
func ordered(op string, a, b any) bool {
	if na, ok := asNumber(a); ok {
		if nb, ok := asNumber(b); ok {
			switch op {
			case "<":
				return na < nb
			case "<=":
				return na <= nb
			case ">":
				return na > nb
			case ">=":
				return na >= nb
			}
		}
		return false
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if okA && okB {
		switch op {
		case "<":
			return sa < sb
		case "<=":
			return sa <= sb
		case ">":
			return sa > sb
		case ">=":
			return sa >= sb
		}
	}
	return false
}

// contains implements "x in y": substring for strings, element
// membership for lists, key membership for maps.
func contains(needle, haystack any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(h, s)
	case []any:
		for _, elem := range h {
			if looseEqual(needle, elem) {
				return true
			}
		}
	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return false
		}
		_, present := h[s]
		return present
	}
	return false
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}
