package formula

import (
	"strings"

	"brainengine/src/apperr"
)

// maxNesting bounds parser recursion for pathological input like "((((...".
const maxNesting = 256

// binding powers, lowest first
var infixPower = map[string]int{
	"||": 1,
	"&&": 2,
	"==": 3, "!=": 3,
	"<": 4, "<=": 4, ">": 4, ">=": 4,
	"+": 5, "-": 5,
	"*": 6, "/": 6, "%": 6,
	"^": 7,
}

// prefixPower lets "^" bind tighter than unary minus, so -2^2 is -(2^2).
const prefixPower = 7

type parser struct {
	tokens []Token
	pos    int
	depth  int
}

// Parse turns an expression into an AST. Syntax errors are validation errors
// carrying the offending position.
func Parse(expr string) (Node, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, apperr.Validation("expression is empty")
	}
	tokens, err := Tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	node, err := p.parseExpression(0)
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.Type != TokenEOF {
		return nil, apperr.Validation("unexpected %s at position %d", tok, tok.Pos)
	}
	return node, nil
}

func (p *parser) peek() Token {
	return p.tokens[p.pos]
}

func (p *parser) next() Token {
	tok := p.tokens[p.pos]
	if tok.Type != TokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(tt TokenType) (Token, error) {
	tok := p.next()
	if tok.Type != tt {
		return tok, apperr.Validation("expected %s but found %s at position %d", tt, tok, tok.Pos)
	}
	return tok, nil
}

func (p *parser) parseExpression(minPower int) (Node, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxNesting {
		return nil, apperr.Validation("expression nested too deeply")
	}

	left, err := p.parsePrefix()
	if err != nil {
		return nil, err
	}

	for {
		tok := p.peek()
		if tok.Type != TokenOperator {
			return left, nil
		}
		power, ok := infixPower[tok.Text]
		if !ok {
			return nil, apperr.Validation("unexpected operator %q at position %d", tok.Text, tok.Pos)
		}
		if power <= minPower {
			return left, nil
		}
		p.next()

		// "^" is right associative
		rightMin := power
		if tok.Text == "^" {
			rightMin = power - 1
		}
		right, err := p.parseExpression(rightMin)
		if err != nil {
			return nil, err
		}
		left = &Binary{Op: tok.Text, Left: left, Right: right, Offset: tok.Pos}
	}
}

func (p *parser) parsePrefix() (Node, error) {
	tok := p.next()
	switch tok.Type {
	case TokenNumber:
		return &NumberLit{Value: tok.Num, Offset: tok.Pos}, nil
	case TokenString:
		return &StringLit{Value: tok.Text, Offset: tok.Pos}, nil
	case TokenBoolean:
		return &BoolLit{Value: tok.Text == "true", Offset: tok.Pos}, nil
	case TokenNull:
		return &NullLit{Offset: tok.Pos}, nil
	case TokenProperty:
		return &PropertyRef{Name: tok.Text, Offset: tok.Pos}, nil
	case TokenVariable:
		return &VariableRef{Name: tok.Text, Offset: tok.Pos}, nil
	case TokenOperator:
		// and(...) / or(...) in prefix position are function calls
		if (tok.Word == "and" || tok.Word == "or") && p.peek().Type == TokenLParen {
			return p.parseCall(Token{Type: TokenIdentifier, Text: tok.Word, Pos: tok.Pos})
		}
		if tok.Text != "-" && tok.Text != "!" && tok.Text != "+" {
			return nil, apperr.Validation("unexpected operator %q at position %d", tok.Text, tok.Pos)
		}
		operand, err := p.parseExpression(prefixPower - 1)
		if err != nil {
			return nil, err
		}
		if tok.Text == "+" {
			return operand, nil
		}
		return &Unary{Op: tok.Text, Operand: operand, Offset: tok.Pos}, nil
	case TokenLParen:
		inner, err := p.parseExpression(0)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRParen); err != nil {
			return nil, err
		}
		return inner, nil
	case TokenIdentifier:
		return p.parseCall(tok)
	case TokenEOF:
		return nil, apperr.Validation("unexpected end of expression")
	}
	return nil, apperr.Validation("unexpected %s at position %d", tok, tok.Pos)
}

func (p *parser) parseCall(name Token) (Node, error) {
	if p.peek().Type != TokenLParen {
		return nil, apperr.Validation("unknown identifier %q at position %d", name.Text, name.Pos)
	}
	p.next()

	var args []Node
	if p.peek().Type == TokenRParen {
		p.next()
	} else {
		for {
			arg, err := p.parseExpression(0)
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			tok := p.next()
			if tok.Type == TokenRParen {
				break
			}
			if tok.Type != TokenComma {
				return nil, apperr.Validation("expected , or ) but found %s at position %d", tok, tok.Pos)
			}
		}
	}

	fn := strings.ToLower(name.Text)
	if fn == "prop" {
		if len(args) != 1 {
			return nil, apperr.Validation("prop() takes exactly one property name at position %d", name.Pos)
		}
		lit, ok := args[0].(*StringLit)
		if !ok {
			return nil, apperr.Validation("prop() requires a string literal at position %d", name.Pos)
		}
		return &PropertyRef{Name: lit.Value, Offset: name.Pos}, nil
	}
	return &Call{Name: fn, Args: args, Offset: name.Pos}, nil
}
