// Package expr implements the sandboxed condition language gates
// evaluate over a row binding. The surface is deliberately tiny:
// literals, row field references, comparisons, boolean operators, and
// list membership. There are no calls, no assignment, no access to
// anything but the row.
//
//	row.value > 10 and row.status in ["active", "trial"]
//	not (row.score >= 0.5) or row.override == true
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// SyntaxError reports a malformed condition at compile time.
type SyntaxError struct {
	Expr   string
	Offset int
	Reason string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("expression syntax error at offset %d in %q: %s", e.Offset, e.Expr, e.Reason)
}

// EvalError reports a runtime failure: a missing field or a type
// mismatch. The engine quarantines the row when it sees one.
type EvalError struct {
	Reason string
}

func (e *EvalError) Error() string {
	return "expression evaluation: " + e.Reason
}

// Expr is a compiled condition.
type Expr struct {
	src  string
	root node
}

// Compile parses a condition once; the result is safe for concurrent
// evaluation.
func Compile(src string) (*Expr, error) {
	lex := newLexer(src)
	if lex.err != nil {
		return nil, lex.err
	}

	p := &parser{lex: lex, src: src}

	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if p.lex.peek().kind != tokEOF {
		return nil, p.errorf("unexpected %q after expression", p.lex.peek().text)
	}

	return &Expr{src: src, root: root}, nil
}

// Eval evaluates the condition against a row and coerces the result
// to a boolean. A non-boolean result is an evaluation error.
func (e *Expr) Eval(row map[string]any) (bool, error) {
	v, err := e.root.eval(row)
	if err != nil {
		return false, err
	}

	b, ok := v.(bool)
	if !ok {
		return false, &EvalError{Reason: fmt.Sprintf("condition %q evaluated to %T, want bool", e.src, v)}
	}

	return b, nil
}

// String returns the source text.
func (e *Expr) String() string {
	return e.src
}

type node interface {
	eval(row map[string]any) (any, error)
}

type literal struct{ value any }

func (n literal) eval(map[string]any) (any, error) { return n.value, nil }

type fieldRef struct{ name string }

func (n fieldRef) eval(row map[string]any) (any, error) {
	v, ok := row[n.name]
	if !ok {
		return nil, &EvalError{Reason: fmt.Sprintf("row has no field %q", n.name)}
	}

	return v, nil
}

type listNode struct{ items []node }

func (n listNode) eval(row map[string]any) (any, error) {
	out := make([]any, 0, len(n.items))

	for _, item := range n.items {
		v, err := item.eval(row)
		if err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	return out, nil
}

type notNode struct{ operand node }

func (n notNode) eval(row map[string]any) (any, error) {
	v, err := n.operand.eval(row)
	if err != nil {
		return nil, err
	}

	b, ok := v.(bool)
	if !ok {
		return nil, &EvalError{Reason: fmt.Sprintf("not applied to %T, want bool", v)}
	}

	return !b, nil
}

type boolNode struct {
	op          string // "and" | "or"
	left, right node
}

func (n boolNode) eval(row map[string]any) (any, error) {
	lv, err := n.left.eval(row)
	if err != nil {
		return nil, err
	}

	lb, ok := lv.(bool)
	if !ok {
		return nil, &EvalError{Reason: fmt.Sprintf("%s applied to %T, want bool", n.op, lv)}
	}

	// Short circuit matches the source language.
	if n.op == "and" && !lb {
		return false, nil
	}

	if n.op == "or" && lb {
		return true, nil
	}

	rv, err := n.right.eval(row)
	if err != nil {
		return nil, err
	}

	rb, ok := rv.(bool)
	if !ok {
		return nil, &EvalError{Reason: fmt.Sprintf("%s applied to %T, want bool", n.op, rv)}
	}

	return rb, nil
}

type compareNode struct {
	op          string
	left, right node
}

func (n compareNode) eval(row map[string]any) (any, error) {
	lv, err := n.left.eval(row)
	if err != nil {
		return nil, err
	}

	rv, err := n.right.eval(row)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return valuesEqual(lv, rv), nil
	case "!=":
		return !valuesEqual(lv, rv), nil
	case "in":
		list, ok := rv.([]any)
		if !ok {
			return nil, &EvalError{Reason: fmt.Sprintf("in requires a list on the right, got %T", rv)}
		}

		for _, item := range list {
			if valuesEqual(lv, item) {
				return true, nil
			}
		}

		return false, nil
	}

	return compareOrdered(n.op, lv, rv)
}

func compareOrdered(op string, lv, rv any) (any, error) {
	lf, lok := toFloat(lv)
	rf, rok := toFloat(rv)

	if lok && rok {
		switch op {
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		}
	}

	ls, lok2 := lv.(string)
	rs, rok2 := rv.(string)

	if lok2 && rok2 {
		switch op {
		case ">":
			return ls > rs, nil
		case ">=":
			return ls >= rs, nil
		case "<":
			return ls < rs, nil
		case "<=":
			return ls <= rs, nil
		}
	}

	return nil, &EvalError{Reason: fmt.Sprintf("cannot order %T %s %T", lv, op, rv)}
}

func valuesEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}

		return false
	}

	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}

	return 0, false
}

// --- lexer ---

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp     // == != > >= < <=
	tokPunct  // ( ) [ ] , .
)

type token struct {
	kind   tokenKind
	text   string
	offset int
}

type lexer struct {
	src    string
	pos    int
	tokens []token
	cursor int
	err    *SyntaxError
}

func newLexer(src string) *lexer {
	l := &lexer{src: src}
	l.run()

	return l
}

func (l *lexer) run() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]

		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c == '\'' || c == '"':
			if !l.lexString(c) {
				return
			}
		case c >= '0' && c <= '9' || (c == '-' && l.pos+1 < len(l.src) && l.src[l.pos+1] >= '0' && l.src[l.pos+1] <= '9'):
			l.lexNumber()
		case isIdentStart(rune(c)):
			l.lexIdent()
		case strings.ContainsRune("()[],.", rune(c)):
			l.emit(tokPunct, string(c))
			l.pos++
		case c == '=' || c == '!' || c == '<' || c == '>':
			l.lexOperator()
		default:
			l.err = &SyntaxError{Expr: l.src, Offset: l.pos, Reason: fmt.Sprintf("unexpected character %q", c)}

			return
		}

		if l.err != nil {
			return
		}
	}

	l.emit(tokEOF, "")
}

func (l *lexer) emit(kind tokenKind, text string) {
	l.tokens = append(l.tokens, token{kind: kind, text: text, offset: l.pos})
}

func (l *lexer) lexString(quote byte) bool {
	start := l.pos
	l.pos++

	var sb strings.Builder

	for l.pos < len(l.src) {
		c := l.src[l.pos]

		if c == quote {
			l.pos++
			l.tokens = append(l.tokens, token{kind: tokString, text: sb.String(), offset: start})

			return true
		}

		if c == '\\' && l.pos+1 < len(l.src) {
			l.pos++
			c = l.src[l.pos]
		}

		sb.WriteByte(c)
		l.pos++
	}

	l.err = &SyntaxError{Expr: l.src, Offset: start, Reason: "unterminated string"}

	return false
}

func (l *lexer) lexNumber() {
	start := l.pos

	if l.src[l.pos] == '-' {
		l.pos++
	}

	for l.pos < len(l.src) && (l.src[l.pos] >= '0' && l.src[l.pos] <= '9' || l.src[l.pos] == '.') {
		l.pos++
	}

	l.tokens = append(l.tokens, token{kind: tokNumber, text: l.src[start:l.pos], offset: start})
}

func (l *lexer) lexIdent() {
	start := l.pos

	for l.pos < len(l.src) && isIdentPart(rune(l.src[l.pos])) {
		l.pos++
	}

	l.tokens = append(l.tokens, token{kind: tokIdent, text: l.src[start:l.pos], offset: start})
}

func (l *lexer) lexOperator() {
	start := l.pos
	c := l.src[l.pos]

	if l.pos+1 < len(l.src) && l.src[l.pos+1] == '=' {
		l.tokens = append(l.tokens, token{kind: tokOp, text: l.src[l.pos : l.pos+2], offset: start})
		l.pos += 2

		return
	}

	if c == '=' || c == '!' {
		l.err = &SyntaxError{Expr: l.src, Offset: start, Reason: fmt.Sprintf("incomplete operator %q", c)}

		return
	}

	l.tokens = append(l.tokens, token{kind: tokOp, text: string(c), offset: start})
	l.pos++
}

func (l *lexer) peek() token {
	if l.err != nil || l.cursor >= len(l.tokens) {
		return token{kind: tokEOF, offset: len(l.src)}
	}

	return l.tokens[l.cursor]
}

func (l *lexer) next() token {
	t := l.peek()

	if l.cursor < len(l.tokens) {
		l.cursor++
	}

	return t
}

func isIdentStart(c rune) bool {
	return c == '_' || unicode.IsLetter(c)
}

func isIdentPart(c rune) bool {
	return c == '_' || unicode.IsLetter(c) || unicode.IsDigit(c)
}

// --- parser ---

type parser struct {
	lex *lexer
	src string
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Expr: p.src, Offset: p.lex.peek().offset, Reason: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.lex.peek().kind == tokIdent && p.lex.peek().text == "or" {
		p.lex.next()

		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}

		left = boolNode{op: "or", left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for p.lex.peek().kind == tokIdent && p.lex.peek().text == "and" {
		p.lex.next()

		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		left = boolNode{op: "and", left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.lex.peek().kind == tokIdent && p.lex.peek().text == "not" {
		p.lex.next()

		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		return notNode{operand: operand}, nil
	}

	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	t := p.lex.peek()

	if t.kind == tokOp {
		p.lex.next()

		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}

		return compareNode{op: t.text, left: left, right: right}, nil
	}

	if t.kind == tokIdent && t.text == "in" {
		p.lex.next()

		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}

		return compareNode{op: "in", left: left, right: right}, nil
	}

	return left, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.lex.peek()

	switch t.kind {
	case tokNumber:
		p.lex.next()

		if strings.Contains(t.text, ".") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, p.errorf("invalid number %q", t.text)
			}

			return literal{value: f}, nil
		}

		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, p.errorf("invalid number %q", t.text)
		}

		return literal{value: n}, nil

	case tokString:
		p.lex.next()

		return literal{value: t.text}, nil

	case tokIdent:
		return p.parseIdent()

	case tokPunct:
		switch t.text {
		case "(":
			p.lex.next()

			inner, err := p.parseOr()
			if err != nil {
				return nil, err
			}

			if err := p.expectPunct(")"); err != nil {
				return nil, err
			}

			return inner, nil
		case "[":
			return p.parseList()
		}
	}

	return nil, p.errorf("unexpected %q", t.text)
}

func (p *parser) parseIdent() (node, error) {
	t := p.lex.next()

	switch t.text {
	case "true", "True":
		return literal{value: true}, nil
	case "false", "False":
		return literal{value: false}, nil
	case "null", "None":
		return literal{value: nil}, nil
	case "row":
		return p.parseFieldAccess()
	}

	return nil, p.errorf("unknown name %q: only the row binding is available", t.text)
}

// parseFieldAccess handles row.field and row["field"].
func (p *parser) parseFieldAccess() (node, error) {
	t := p.lex.peek()

	if t.kind == tokPunct && t.text == "." {
		p.lex.next()

		name := p.lex.next()
		if name.kind != tokIdent {
			return nil, p.errorf("expected field name after row.")
		}

		return fieldRef{name: name.text}, nil
	}

	if t.kind == tokPunct && t.text == "[" {
		p.lex.next()

		key := p.lex.next()
		if key.kind != tokString {
			return nil, p.errorf("expected string key in row[...]")
		}

		if err := p.expectPunct("]"); err != nil {
			return nil, err
		}

		return fieldRef{name: key.text}, nil
	}

	return nil, p.errorf("row must be followed by a field access")
}

func (p *parser) parseList() (node, error) {
	p.lex.next() // consume [

	var items []node

	if t := p.lex.peek(); t.kind == tokPunct && t.text == "]" {
		p.lex.next()

		return listNode{}, nil
	}

	for {
		item, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}

		items = append(items, item)

		t := p.lex.next()

		if t.kind == tokPunct && t.text == "]" {
			return listNode{items: items}, nil
		}

		if t.kind != tokPunct || t.text != "," {
			return nil, p.errorf("expected , or ] in list")
		}
	}
}

func (p *parser) expectPunct(text string) error {
	t := p.lex.next()

	if t.kind != tokPunct || t.text != text {
		return p.errorf("expected %q, got %q", text, t.text)
	}

	return nil
}
