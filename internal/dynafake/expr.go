package dynafake

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// The evaluator covers the expression surface the data layer generates:
// boolean combinators, the comparison operators, BETWEEN, and the
// attribute_exists, attribute_not_exists, attribute_type and begins_with
// functions. Keywords match case-insensitively, as DynamoDB accepts them.

type token struct {
	kind string // ident, name, value, op, lparen, rparen, comma
	text string
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(expr) {
		c := expr[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c == '(':
			tokens = append(tokens, token{kind: "lparen"})
			i++
		case c == ')':
			tokens = append(tokens, token{kind: "rparen"})
			i++
		case c == ',':
			tokens = append(tokens, token{kind: "comma"})
			i++
		case c == '=':
			tokens = append(tokens, token{kind: "op", text: "="})
			i++
		case c == '<':
			if i+1 < len(expr) && expr[i+1] == '>' {
				tokens = append(tokens, token{kind: "op", text: "<>"})
				i += 2
			} else if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, token{kind: "op", text: "<="})
				i += 2
			} else {
				tokens = append(tokens, token{kind: "op", text: "<"})
				i++
			}
		case c == '>':
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, token{kind: "op", text: ">="})
				i += 2
			} else {
				tokens = append(tokens, token{kind: "op", text: ">"})
				i++
			}
		case c == '#' || c == ':' || isIdentChar(c):
			start := i
			i++
			// '#' continues a token so a dotted #a.#b path stays whole
			for i < len(expr) && (isIdentChar(expr[i]) || expr[i] == '#') {
				i++
			}
			text := expr[start:i]
			kind := "ident"
			if c == '#' {
				kind = "name"
			} else if c == ':' {
				kind = "value"
			}
			tokens = append(tokens, token{kind: kind, text: text})
		default:
			return nil, fmt.Errorf("unexpected character %q in expression", c)
		}
	}
	return tokens, nil
}

func isIdentChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '.'
}

type exprEnv struct {
	item   map[string]types.AttributeValue
	names  map[string]string
	values map[string]types.AttributeValue
}

type parser struct {
	tokens []token
	pos    int
	env    exprEnv
}

// evalCondition evaluates a condition or filter expression against an
// item. A nil item behaves like an item with no attributes.
func evalCondition(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return false, err
	}
	p := &parser{tokens: tokens, env: exprEnv{item: item, names: names, values: values}}
	result, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.pos != len(p.tokens) {
		return false, fmt.Errorf("trailing tokens in expression %q", expr)
	}
	return result, nil
}

func (p *parser) peek() *token {
	if p.pos >= len(p.tokens) {
		return nil
	}
	return &p.tokens[p.pos]
}

func (p *parser) keyword(word string) bool {
	t := p.peek()
	if t != nil && t.kind == "ident" && strings.EqualFold(t.text, word) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(kind string) (*token, error) {
	t := p.peek()
	if t == nil || t.kind != kind {
		return nil, fmt.Errorf("expected %s at position %d", kind, p.pos)
	}
	p.pos++
	return t, nil
}

func (p *parser) parseOr() (bool, error) {
	result, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for p.keyword("OR") {
		right, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		result = result || right
	}
	return result, nil
}

func (p *parser) parseAnd() (bool, error) {
	result, err := p.parseNot()
	if err != nil {
		return false, err
	}
	for p.keyword("AND") {
		right, err := p.parseNot()
		if err != nil {
			return false, err
		}
		result = result && right
	}
	return result, nil
}

func (p *parser) parseNot() (bool, error) {
	if p.keyword("NOT") {
		result, err := p.parseNot()
		if err != nil {
			return false, err
		}
		return !result, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (bool, error) {
	t := p.peek()
	if t == nil {
		return false, fmt.Errorf("unexpected end of expression")
	}

	if t.kind == "lparen" {
		p.pos++
		result, err := p.parseOr()
		if err != nil {
			return false, err
		}
		if _, err := p.expect("rparen"); err != nil {
			return false, err
		}
		return result, nil
	}

	if t.kind == "ident" && p.pos+1 < len(p.tokens) && p.tokens[p.pos+1].kind == "lparen" {
		return p.parseFunction()
	}

	// path comparison: path (= | <> | < | <= | > | >=) :value, or
	// path BETWEEN :a AND :b
	attr, ok, err := p.parsePath()
	if err != nil {
		return false, err
	}

	if p.keyword("BETWEEN") {
		low, err := p.parseOperand()
		if err != nil {
			return false, err
		}
		if !p.keyword("AND") {
			return false, fmt.Errorf("BETWEEN without AND")
		}
		high, err := p.parseOperand()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		lowCmp, cmpOK := compareAttrs(attr, low)
		if !cmpOK || lowCmp < 0 {
			return false, nil
		}
		highCmp, cmpOK := compareAttrs(attr, high)
		return cmpOK && highCmp <= 0, nil
	}

	opTok, err := p.expect("op")
	if err != nil {
		return false, err
	}
	operand, err := p.parseOperand()
	if err != nil {
		return false, err
	}
	if !ok {
		// missing attributes never satisfy a comparison
		return false, nil
	}

	if opTok.text == "=" || opTok.text == "<>" {
		equal := attrsEqual(attr, operand)
		if opTok.text == "=" {
			return equal, nil
		}
		return !equal, nil
	}

	cmp, cmpOK := compareAttrs(attr, operand)
	if !cmpOK {
		return false, nil
	}
	switch opTok.text {
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return false, fmt.Errorf("unknown operator %q", opTok.text)
}

func (p *parser) parseFunction() (bool, error) {
	nameTok, _ := p.expect("ident")
	fn := strings.ToLower(nameTok.text)
	if _, err := p.expect("lparen"); err != nil {
		return false, err
	}

	attr, exists, err := p.parsePath()
	if err != nil {
		return false, err
	}

	var arg types.AttributeValue
	if fn == "begins_with" || fn == "attribute_type" {
		if _, err := p.expect("comma"); err != nil {
			return false, err
		}
		arg, err = p.parseOperand()
		if err != nil {
			return false, err
		}
	}
	if _, err := p.expect("rparen"); err != nil {
		return false, err
	}

	switch fn {
	case "attribute_exists":
		return exists, nil
	case "attribute_not_exists":
		return !exists, nil
	case "begins_with":
		if !exists {
			return false, nil
		}
		s, okS := attr.(*types.AttributeValueMemberS)
		prefix, okP := arg.(*types.AttributeValueMemberS)
		return okS && okP && strings.HasPrefix(s.Value, prefix.Value), nil
	case "attribute_type":
		if !exists {
			return false, nil
		}
		want, okW := arg.(*types.AttributeValueMemberS)
		return okW && attrTypeName(attr) == want.Value, nil
	default:
		return false, fmt.Errorf("unknown function %q", nameTok.text)
	}
}

// parsePath consumes a (possibly dotted) attribute path and resolves it in
// the item.
func (p *parser) parsePath() (types.AttributeValue, bool, error) {
	segments, err := p.parsePathSegments()
	if err != nil {
		return nil, false, err
	}
	attr, ok := resolvePath(p.env.item, segments)
	return attr, ok, nil
}

func (p *parser) parsePathSegments() ([]string, error) {
	t := p.peek()
	if t == nil || (t.kind != "name" && t.kind != "ident") {
		return nil, fmt.Errorf("expected attribute path at position %d", p.pos)
	}
	p.pos++

	raw := t.text
	if t.kind == "ident" {
		return strings.Split(raw, "."), nil
	}

	// substituted names never contain dots themselves; a dotted #a.#b path
	// tokenizes as one name token because '.' is an ident char
	var segments []string
	for _, part := range strings.Split(raw, ".") {
		name := part
		if strings.HasPrefix(part, "#") {
			resolved, ok := p.env.names[part]
			if !ok {
				return nil, fmt.Errorf("unresolved attribute name %s", part)
			}
			name = resolved
		}
		segments = append(segments, name)
	}
	return segments, nil
}

func (p *parser) parseOperand() (types.AttributeValue, error) {
	t := p.peek()
	if t == nil {
		return nil, fmt.Errorf("expected operand")
	}
	if t.kind == "value" {
		p.pos++
		v, ok := p.env.values[t.text]
		if !ok {
			return nil, fmt.Errorf("unresolved value %s", t.text)
		}
		return v, nil
	}
	segments, err := p.parsePathSegments()
	if err != nil {
		return nil, err
	}
	attr, _ := resolvePath(p.env.item, segments)
	return attr, nil
}

func resolvePath(item map[string]types.AttributeValue, segments []string) (types.AttributeValue, bool) {
	if item == nil {
		return nil, false
	}
	current, ok := item[segments[0]]
	if !ok {
		return nil, false
	}
	for _, segment := range segments[1:] {
		m, isMap := current.(*types.AttributeValueMemberM)
		if !isMap {
			return nil, false
		}
		current, ok = m.Value[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func attrTypeName(attr types.AttributeValue) string {
	switch attr.(type) {
	case *types.AttributeValueMemberS:
		return "S"
	case *types.AttributeValueMemberN:
		return "N"
	case *types.AttributeValueMemberB:
		return "B"
	case *types.AttributeValueMemberBOOL:
		return "BOOL"
	case *types.AttributeValueMemberNULL:
		return "NULL"
	case *types.AttributeValueMemberM:
		return "M"
	case *types.AttributeValueMemberL:
		return "L"
	case *types.AttributeValueMemberSS:
		return "SS"
	case *types.AttributeValueMemberNS:
		return "NS"
	case *types.AttributeValueMemberBS:
		return "BS"
	default:
		return ""
	}
}

func attrsEqual(a, b types.AttributeValue) bool {
	if a == nil || b == nil {
		return false
	}
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return false
		}
		af, errA := strconv.ParseFloat(av.Value, 64)
		bf, errB := strconv.ParseFloat(bv.Value, 64)
		return errA == nil && errB == nil && af == bf
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberNULL:
		_, ok := b.(*types.AttributeValueMemberNULL)
		return ok
	default:
		return false
	}
}

// compareAttrs orders two attributes of the same scalar type. DynamoDB
// compares strings bytewise and numbers numerically; mixed or non-scalar
// operands do not compare.
func compareAttrs(a, b types.AttributeValue) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.Value, bv.Value), true
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, false
		}
		af, errA := strconv.ParseFloat(av.Value, 64)
		bf, errB := strconv.ParseFloat(bv.Value, 64)
		if errA != nil || errB != nil {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	default:
		return 0, false
	}
}
