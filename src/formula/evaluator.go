package formula

import (
	"math"
	"strconv"
	"strings"
	"time"

	"brainengine/src/apperr"
	"brainengine/src/models"
)

const DefaultMaxSteps = 100000

// maxSafeInteger is the largest integer a float64 represents exactly.
const maxSafeInteger = 1 << 53

// Resolver supplies the record data an expression reads. Implementations
// decide how refs map to properties and how computed properties are resolved.
type Resolver interface {
	// PropertyValue returns the value of a property of the current record,
	// addressed by name or id.
	PropertyValue(ref string) (models.Value, error)
	// RelatedValues returns propertyRef for every record linked through the
	// relation property relationRef.
	RelatedValues(relationRef, propertyRef string) ([]models.Value, error)
}

// Context carries everything an evaluation may observe. Evaluation is a pure
// function of the tree and the context.
type Context struct {
	Resolver  Resolver
	Variables map[string]models.Value
	// Now is returned by now(); defaults to the wall clock when zero.
	Now      time.Time
	MaxSteps int
}

type Result struct {
	Value    models.Value
	Warnings []apperr.Warning
}

type evaluator struct {
	ctx      Context
	steps    int
	warnings []apperr.Warning
	seen     map[string]bool
}

// EvaluateString parses and evaluates expr.
func EvaluateString(expr string, ctx Context) (Result, error) {
	node, err := Parse(expr)
	if err != nil {
		return Result{}, err
	}
	return Evaluate(node, ctx)
}

// Evaluate runs a parsed expression against ctx.
func Evaluate(node Node, ctx Context) (Result, error) {
	if ctx.MaxSteps <= 0 {
		ctx.MaxSteps = DefaultMaxSteps
	}
	if ctx.Now.IsZero() {
		ctx.Now = time.Now().UTC()
	}
	ev := &evaluator{ctx: ctx, seen: make(map[string]bool)}
	v, err := ev.eval(node)
	if err != nil {
		return Result{Warnings: ev.warnings}, err
	}
	return Result{Value: v, Warnings: ev.warnings}, nil
}

func (ev *evaluator) warn(code apperr.WarningCode, format string, args ...any) {
	w := apperr.NewWarning(code, format, args...)
	key := w.String()
	if ev.seen[key] {
		return
	}
	ev.seen[key] = true
	ev.warnings = append(ev.warnings, w)
}

func (ev *evaluator) eval(n Node) (models.Value, error) {
	ev.steps++
	if ev.steps > ev.ctx.MaxSteps {
		return models.Null(), apperr.Exhausted("formula exceeded %d evaluation steps", ev.ctx.MaxSteps)
	}

	switch x := n.(type) {
	case *NumberLit:
		return models.Number(x.Value), nil
	case *StringLit:
		return models.String(x.Value), nil
	case *BoolLit:
		return models.Bool(x.Value), nil
	case *NullLit:
		return models.Null(), nil
	case *PropertyRef:
		if ev.ctx.Resolver == nil {
			return models.Null(), apperr.NotFound("property %q is not available here", x.Name)
		}
		return ev.ctx.Resolver.PropertyValue(x.Name)
	case *VariableRef:
		v, ok := ev.ctx.Variables[x.Name]
		if !ok {
			return models.Null(), apperr.Validation("undefined variable $%s", x.Name)
		}
		return v, nil
	case *Unary:
		return ev.unary(x)
	case *Binary:
		return ev.binary(x)
	case *Call:
		return ev.call(x)
	}
	return models.Null(), apperr.Validation("unsupported expression node %T", n)
}

func (ev *evaluator) unary(x *Unary) (models.Value, error) {
	v, err := ev.eval(x.Operand)
	if err != nil {
		return models.Null(), err
	}
	if x.Op == "!" {
		return models.Bool(!v.Truthy()), nil
	}
	f, null, err := ev.number(v, "-")
	if err != nil || null {
		return models.Null(), err
	}
	return models.Number(-f), nil
}

func (ev *evaluator) binary(x *Binary) (models.Value, error) {
	left, err := ev.eval(x.Left)
	if err != nil {
		return models.Null(), err
	}

	// logical operators short circuit
	switch x.Op {
	case "&&":
		if !left.Truthy() {
			return models.Bool(false), nil
		}
		right, err := ev.eval(x.Right)
		if err != nil {
			return models.Null(), err
		}
		return models.Bool(right.Truthy()), nil
	case "||":
		if left.Truthy() {
			return models.Bool(true), nil
		}
		right, err := ev.eval(x.Right)
		if err != nil {
			return models.Null(), err
		}
		return models.Bool(right.Truthy()), nil
	}

	right, err := ev.eval(x.Right)
	if err != nil {
		return models.Null(), err
	}

	switch x.Op {
	case "==", "!=":
		eq := ev.equal(left, right)
		if x.Op == "!=" {
			eq = !eq
		}
		return models.Bool(eq), nil
	case "<", "<=", ">", ">=":
		return ev.order(x.Op, left, right)
	}
	return ev.arithmetic(x.Op, left, right)
}

func (ev *evaluator) arithmetic(op string, l, r models.Value) (models.Value, error) {
	if op == "+" {
		if l.Kind == models.KindString || r.Kind == models.KindString {
			if l.Kind != r.Kind && !l.IsNull() && !r.IsNull() {
				ev.warn(apperr.TypeCoercionWarning, "concatenating %s with %s", l.Kind, r.Kind)
			}
			return models.String(l.String() + r.String()), nil
		}
		if l.Kind == models.KindList && r.Kind == models.KindList {
			return models.List(append(append([]models.Value{}, l.List...), r.List...)...), nil
		}
	}
	if l.IsNull() || r.IsNull() {
		return models.Null(), nil
	}

	// date arithmetic works in days
	if l.Kind == models.KindDate {
		switch {
		case r.Kind == models.KindDate && op == "-":
			return models.Number(l.Time.Sub(r.Time).Hours() / 24), nil
		case op == "+" || op == "-":
			days, _, err := ev.number(r, op)
			if err != nil {
				return models.Null(), err
			}
			if op == "-" {
				days = -days
			}
			return models.Date(l.Time.Add(time.Duration(days * float64(24*time.Hour)))), nil
		}
	}

	a, _, err := ev.number(l, op)
	if err != nil {
		return models.Null(), err
	}
	b, _, err := ev.number(r, op)
	if err != nil {
		return models.Null(), err
	}

	var out float64
	switch op {
	case "+":
		out = a + b
	case "-":
		out = a - b
	case "*":
		out = a * b
	case "/":
		if b == 0 {
			ev.warn(apperr.DivisionByZeroWarning, "division by zero")
			return models.Null(), nil
		}
		out = a / b
	case "%":
		if b == 0 {
			ev.warn(apperr.DivisionByZeroWarning, "modulo by zero")
			return models.Null(), nil
		}
		out = math.Mod(a, b)
	case "^":
		out = math.Pow(a, b)
	default:
		return models.Null(), apperr.Validation("unknown operator %q", op)
	}
	return ev.checked(out), nil
}

// checked turns non-finite results into null and flags integers beyond the
// exactly representable range.
func (ev *evaluator) checked(f float64) models.Value {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		ev.warn(apperr.PrecisionLossWarning, "result is not a finite number")
		return models.Null()
	}
	if math.Abs(f) > maxSafeInteger && f == math.Trunc(f) {
		ev.warn(apperr.PrecisionLossWarning, "integer result %g exceeds exact float precision", f)
	}
	return models.Number(f)
}

func (ev *evaluator) equal(l, r models.Value) bool {
	if l.Kind == r.Kind {
		if l.Kind == models.KindString {
			return l.Str == r.Str
		}
		return l.Equal(r)
	}
	if l.IsNull() || r.IsNull() {
		return false
	}
	if a, b, ok := ev.coercePair(l, r); ok {
		return a.Equal(b)
	}
	return false
}

func (ev *evaluator) order(op string, l, r models.Value) (models.Value, error) {
	if l.IsNull() || r.IsNull() {
		return models.Bool(false), nil
	}
	if l.Kind != r.Kind {
		a, b, ok := ev.coercePair(l, r)
		if !ok {
			return models.Null(), apperr.TypeMismatch("cannot compare %s with %s", l.Kind, r.Kind)
		}
		l, r = a, b
	}
	c, ok := l.Compare(r)
	if !ok {
		return models.Null(), apperr.TypeMismatch("%s values are not ordered", l.Kind)
	}
	switch op {
	case "<":
		return models.Bool(c < 0), nil
	case "<=":
		return models.Bool(c <= 0), nil
	case ">":
		return models.Bool(c > 0), nil
	}
	return models.Bool(c >= 0), nil
}

// coercePair converts a mixed number/string/bool or date/string pair to a
// common kind, warning when it does.
func (ev *evaluator) coercePair(l, r models.Value) (models.Value, models.Value, bool) {
	convert := func(v models.Value, kind models.ValueKind) (models.Value, bool) {
		if v.Kind == kind {
			return v, true
		}
		switch kind {
		case models.KindNumber:
			if f, ok := parseNumber(v); ok {
				return models.Number(f), true
			}
		case models.KindDate:
			if t, ok := parseDate(v); ok {
				return models.Date(t), true
			}
		}
		return v, false
	}

	target := models.KindNumber
	if l.Kind == models.KindDate || r.Kind == models.KindDate {
		target = models.KindDate
	}
	a, okA := convert(l, target)
	b, okB := convert(r, target)
	if !okA || !okB {
		return l, r, false
	}
	ev.warn(apperr.TypeCoercionWarning, "compared %s with %s as %s", l.Kind, r.Kind, target)
	return a, b, true
}

// number converts v to a float for an arithmetic context. Null reports
// null=true with no error.
func (ev *evaluator) number(v models.Value, context string) (f float64, null bool, err error) {
	switch v.Kind {
	case models.KindNumber:
		return v.Num, false, nil
	case models.KindNull:
		return 0, true, nil
	case models.KindBool, models.KindString:
		if parsed, ok := parseNumber(v); ok {
			ev.warn(apperr.TypeCoercionWarning, "%s value %q used as a number in %s", v.Kind, v.String(), context)
			return parsed, false, nil
		}
	case models.KindList:
		if len(v.List) == 1 {
			return ev.number(v.List[0], context)
		}
	}
	return 0, false, apperr.TypeMismatch("%s value %q is not a number in %s", v.Kind, v.String(), context)
}

func (ev *evaluator) date(v models.Value, context string) (t time.Time, null bool, err error) {
	switch v.Kind {
	case models.KindDate:
		return v.Time, false, nil
	case models.KindNull:
		return time.Time{}, true, nil
	case models.KindString, models.KindNumber:
		if parsed, ok := parseDate(v); ok {
			ev.warn(apperr.TypeCoercionWarning, "%s value %q used as a date in %s", v.Kind, v.String(), context)
			return parsed, false, nil
		}
	case models.KindList:
		if len(v.List) == 1 {
			return ev.date(v.List[0], context)
		}
	}
	return time.Time{}, false, apperr.TypeMismatch("%s value %q is not a date in %s", v.Kind, v.String(), context)
}

func parseNumber(v models.Value) (float64, bool) {
	switch v.Kind {
	case models.KindNumber:
		return v.Num, true
	case models.KindBool:
		if v.Bool {
			return 1, true
		}
		return 0, true
	case models.KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		return f, err == nil
	}
	return 0, false
}

func parseDate(v models.Value) (time.Time, bool) {
	switch v.Kind {
	case models.KindDate:
		return v.Time, true
	case models.KindNumber:
		// epoch milliseconds
		return time.UnixMilli(int64(v.Num)).UTC(), true
	case models.KindString:
		return models.ParseTime(v.Str)
	}
	return time.Time{}, false
}
