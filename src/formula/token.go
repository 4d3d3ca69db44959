package formula

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"brainengine/src/apperr"
)

type TokenType int

const (
	TokenEOF TokenType = iota
	TokenNumber
	TokenString
	TokenBoolean
	TokenNull
	// TokenProperty is a {Name} reference; prop("Name") is resolved by the parser.
	TokenProperty
	// TokenVariable is a caller supplied $name.
	TokenVariable
	TokenIdentifier
	TokenOperator
	TokenLParen
	TokenRParen
	TokenComma
)

func (t TokenType) String() string {
	switch t {
	case TokenNumber:
		return "number"
	case TokenString:
		return "string"
	case TokenBoolean:
		return "boolean"
	case TokenNull:
		return "null"
	case TokenProperty:
		return "property"
	case TokenVariable:
		return "variable"
	case TokenIdentifier:
		return "identifier"
	case TokenOperator:
		return "operator"
	case TokenLParen:
		return "("
	case TokenRParen:
		return ")"
	case TokenComma:
		return ","
	}
	return "end of expression"
}

// Token is one lexical unit of an expression. Pos is the byte offset.
type Token struct {
	Type TokenType
	Text string
	// Word holds the original spelling of and/or/not operators.
	Word string
	Num  float64
	Pos  int
}

func (t Token) String() string {
	if t.Type == TokenEOF {
		return t.Type.String()
	}
	return fmt.Sprintf("%s %q", t.Type, t.Text)
}

// word operators are normalized to their symbolic form
var wordOperators = map[string]string{
	"and": "&&",
	"or":  "||",
	"not": "!",
}

// Tokenize breaks an expression into tokens, ending with a TokenEOF.
func Tokenize(expr string) ([]Token, error) {
	var tokens []Token
	i := 0

	for i < len(expr) {
		ch := expr[i]

		// Skip whitespace
		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' {
			i++
			continue
		}

		start := i
		switch {
		case ch == '(':
			tokens = append(tokens, Token{Type: TokenLParen, Text: "(", Pos: start})
			i++
		case ch == ')':
			tokens = append(tokens, Token{Type: TokenRParen, Text: ")", Pos: start})
			i++
		case ch == ',':
			tokens = append(tokens, Token{Type: TokenComma, Text: ",", Pos: start})
			i++
		case ch == '"' || ch == '\'':
			text, next, err := scanString(expr, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, Token{Type: TokenString, Text: text, Pos: start})
			i = next
		case ch == '{':
			end := strings.IndexByte(expr[i+1:], '}')
			if end < 0 {
				return nil, apperr.Validation("unterminated property reference at position %d", start)
			}
			name := strings.TrimSpace(expr[i+1 : i+1+end])
			if name == "" {
				return nil, apperr.Validation("empty property reference at position %d", start)
			}
			tokens = append(tokens, Token{Type: TokenProperty, Text: name, Pos: start})
			i += end + 2
		case ch == '$':
			j := i + 1
			for j < len(expr) && isIdentChar(rune(expr[j])) {
				j++
			}
			if j == i+1 {
				return nil, apperr.Validation("empty variable name at position %d", start)
			}
			tokens = append(tokens, Token{Type: TokenVariable, Text: expr[i+1 : j], Pos: start})
			i = j
		case isDigit(ch) || (ch == '.' && i+1 < len(expr) && isDigit(expr[i+1])):
			tok, next, err := scanNumber(expr, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
			i = next
		case isIdentStart(rune(ch)):
			j := i + 1
			for j < len(expr) && isIdentChar(rune(expr[j])) {
				j++
			}
			word := expr[i:j]
			lower := strings.ToLower(word)
			switch {
			case lower == "true" || lower == "false":
				tokens = append(tokens, Token{Type: TokenBoolean, Text: lower, Pos: start})
			case lower == "null":
				tokens = append(tokens, Token{Type: TokenNull, Text: lower, Pos: start})
			case wordOperators[lower] != "":
				tokens = append(tokens, Token{Type: TokenOperator, Text: wordOperators[lower], Word: lower, Pos: start})
			default:
				tokens = append(tokens, Token{Type: TokenIdentifier, Text: word, Pos: start})
			}
			i = j
		default:
			op, ok := scanOperator(expr[i:])
			if !ok {
				return nil, apperr.Validation("unexpected character %q at position %d", ch, start)
			}
			tokens = append(tokens, Token{Type: TokenOperator, Text: op.normalized, Pos: start})
			i += op.width
		}
	}

	tokens = append(tokens, Token{Type: TokenEOF, Pos: len(expr)})
	return tokens, nil
}

type scannedOperator struct {
	normalized string
	width      int
}

func scanOperator(rest string) (scannedOperator, bool) {
	for _, two := range []string{"==", "!=", "<=", ">=", "&&", "||"} {
		if strings.HasPrefix(rest, two) {
			return scannedOperator{two, 2}, true
		}
	}
	switch rest[0] {
	case '+', '-', '*', '/', '%', '^', '<', '>', '!':
		return scannedOperator{rest[:1], 1}, true
	case '=':
		// a lone "=" reads as equality, as users write in spreadsheet formulas
		return scannedOperator{"==", 1}, true
	}
	return scannedOperator{}, false
}

func scanString(expr string, i int) (string, int, error) {
	quote := expr[i]
	var sb strings.Builder
	j := i + 1
	for j < len(expr) {
		ch := expr[j]
		if ch == '\\' && j+1 < len(expr) {
			switch expr[j+1] {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			default:
				sb.WriteByte(expr[j+1])
			}
			j += 2
			continue
		}
		if ch == quote {
			return sb.String(), j + 1, nil
		}
		sb.WriteByte(ch)
		j++
	}
	return "", 0, apperr.Validation("unterminated string starting at position %d", i)
}

func scanNumber(expr string, i int) (Token, int, error) {
	j := i
	for j < len(expr) && isDigit(expr[j]) {
		j++
	}
	if j < len(expr) && expr[j] == '.' {
		j++
		for j < len(expr) && isDigit(expr[j]) {
			j++
		}
	}
	if j < len(expr) && (expr[j] == 'e' || expr[j] == 'E') {
		k := j + 1
		if k < len(expr) && (expr[k] == '+' || expr[k] == '-') {
			k++
		}
		if k < len(expr) && isDigit(expr[k]) {
			for k < len(expr) && isDigit(expr[k]) {
				k++
			}
			j = k
		}
	}
	text := expr[i:j]
	num, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return Token{}, 0, apperr.Validation("invalid number %q at position %d", text, i)
	}
	return Token{Type: TokenNumber, Text: text, Num: num, Pos: i}, j, nil
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func isIdentStart(r rune) bool { return r == '_' || unicode.IsLetter(r) }

func isIdentChar(r rune) bool { return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) }
