package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// CalculateArgs are the arguments for the calculate tool.
type CalculateArgs struct {
	// Expression is an arithmetic expression over +, -, *, /, parentheses,
	// and decimal numbers.
	Expression string `json:"expression" jsonschema:"description=Arithmetic expression to evaluate"`
}

// CalculateTool evaluates basic arithmetic expressions.
type CalculateTool struct{}

// NewCalculateTool returns the arithmetic tool.
func NewCalculateTool() *CalculateTool {
	return &CalculateTool{}
}

func (t *CalculateTool) Name() string { return "calculate" }

func (t *CalculateTool) Description() string {
	return "Evaluates an arithmetic expression with +, -, *, / and parentheses."
}

func (t *CalculateTool) Schema() json.RawMessage {
	return reflectSchema(&CalculateArgs{})
}

func (t *CalculateTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var parsed CalculateArgs
	if err := json.Unmarshal(args, &parsed); err != nil {
		return "", fmt.Errorf("decode arguments: %w", err)
	}
	if strings.TrimSpace(parsed.Expression) == "" {
		return "", fmt.Errorf("expression is required")
	}

	p := &exprParser{input: parsed.Expression}
	result, err := p.parseExpr()
	if err != nil {
		return "", err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return "", fmt.Errorf("unexpected input at position %d", p.pos)
	}
	if math.IsInf(result, 0) || math.IsNaN(result) {
		return "", fmt.Errorf("expression has no finite value")
	}

	return strconv.FormatFloat(result, 'f', -1, 64), nil
}

// exprParser is a recursive-descent parser over the usual precedence:
// expr = term (('+'|'-') term)*, term = factor (('*'|'/') factor)*,
// factor = number | '(' expr ')' | '-' factor.
type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '+':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left += right
		case '-':
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return 0, err
			}
			left -= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		switch p.peek() {
		case '*':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			left *= right
		case '/':
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return 0, err
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		default:
			return left, nil
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	p.skipSpace()
	switch {
	case p.peek() == '(':
		p.pos++
		val, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis at position %d", p.pos)
		}
		p.pos++
		return val, nil
	case p.peek() == '-':
		p.pos++
		val, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		return -val, nil
	default:
		return p.parseNumber()
	}
}

func (p *exprParser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if (c >= '0' && c <= '9') || c == '.' {
			p.pos++
			continue
		}
		break
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected number at position %d", start)
	}
	val, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return val, nil
}

func (p *exprParser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}
	return p.input[p.pos]
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}
