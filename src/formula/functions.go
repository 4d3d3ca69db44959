package formula

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"brainengine/src/apperr"
	"brainengine/src/models"
)

// Return type names shared by the function table and the validator.
const (
	TypeNumber  = "number"
	TypeString  = "string"
	TypeBoolean = "boolean"
	TypeDate    = "date"
	TypeList    = "list"
	TypeAny     = "any"
)

type builtinFunc func(ev *evaluator, args []models.Value) (models.Value, error)

type builtin struct {
	name    string
	minArgs int
	// maxArgs is -1 for variadic functions.
	maxArgs int
	returns string
	fn      builtinFunc
}

// lazy builtins evaluate their own arguments
var lazyBuiltins = map[string]bool{"if": true, "and": true, "or": true}

var builtins map[string]builtin

func init() {
	builtins = make(map[string]builtin)
	register := func(name string, minArgs, maxArgs int, returns string, fn builtinFunc) {
		builtins[strings.ToLower(name)] = builtin{name: name, minArgs: minArgs, maxArgs: maxArgs, returns: returns, fn: fn}
	}

	// math
	register("abs", 1, 1, TypeNumber, unaryMath("abs", math.Abs))
	register("floor", 1, 1, TypeNumber, unaryMath("floor", math.Floor))
	register("ceil", 1, 1, TypeNumber, unaryMath("ceil", math.Ceil))
	register("sqrt", 1, 1, TypeNumber, unaryMath("sqrt", math.Sqrt))
	register("sign", 1, 1, TypeNumber, unaryMath("sign", func(f float64) float64 {
		switch {
		case f > 0:
			return 1
		case f < 0:
			return -1
		}
		return 0
	}))
	register("round", 1, 2, TypeNumber, fnRound)
	register("pow", 2, 2, TypeNumber, func(ev *evaluator, args []models.Value) (models.Value, error) {
		return ev.arithmetic("^", args[0], args[1])
	})
	register("mod", 2, 2, TypeNumber, func(ev *evaluator, args []models.Value) (models.Value, error) {
		return ev.arithmetic("%", args[0], args[1])
	})
	register("min", 1, -1, TypeNumber, aggregate("min"))
	register("max", 1, -1, TypeNumber, aggregate("max"))
	register("sum", 0, -1, TypeNumber, aggregate("sum"))
	register("average", 1, -1, TypeNumber, aggregate("average"))

	// text
	register("concat", 0, -1, TypeString, fnConcat)
	register("length", 1, 1, TypeNumber, fnLength)
	register("upper", 1, 1, TypeString, textFn(strings.ToUpper))
	register("lower", 1, 1, TypeString, textFn(strings.ToLower))
	register("trim", 1, 1, TypeString, textFn(strings.TrimSpace))
	register("contains", 2, 2, TypeBoolean, fnContains)
	register("startsWith", 2, 2, TypeBoolean, func(ev *evaluator, args []models.Value) (models.Value, error) {
		return models.Bool(strings.HasPrefix(args[0].String(), args[1].String())), nil
	})
	register("endsWith", 2, 2, TypeBoolean, func(ev *evaluator, args []models.Value) (models.Value, error) {
		return models.Bool(strings.HasSuffix(args[0].String(), args[1].String())), nil
	})
	register("replace", 3, 3, TypeString, func(ev *evaluator, args []models.Value) (models.Value, error) {
		return models.String(strings.ReplaceAll(args[0].String(), args[1].String(), args[2].String())), nil
	})
	register("slice", 2, 3, TypeAny, fnSlice)
	register("format", 1, 1, TypeString, func(ev *evaluator, args []models.Value) (models.Value, error) {
		return models.String(args[0].String()), nil
	})
	register("toNumber", 1, 1, TypeNumber, fnToNumber)
	register("join", 1, 2, TypeString, fnJoin)

	// logic; if/and/or are evaluated lazily by the evaluator
	register("if", 2, 3, TypeAny, nil)
	register("and", 1, -1, TypeBoolean, nil)
	register("or", 1, -1, TypeBoolean, nil)
	register("empty", 1, 1, TypeBoolean, func(ev *evaluator, args []models.Value) (models.Value, error) {
		return models.Bool(args[0].IsEmpty()), nil
	})
	register("not", 1, 1, TypeBoolean, func(ev *evaluator, args []models.Value) (models.Value, error) {
		return models.Bool(!args[0].Truthy()), nil
	})
	register("coalesce", 1, -1, TypeAny, func(ev *evaluator, args []models.Value) (models.Value, error) {
		for _, arg := range args {
			if !arg.IsEmpty() {
				return arg, nil
			}
		}
		return models.Null(), nil
	})

	// dates
	register("now", 0, 0, TypeDate, func(ev *evaluator, args []models.Value) (models.Value, error) {
		return models.Date(ev.ctx.Now), nil
	})
	register("dateAdd", 3, 3, TypeDate, dateShift(1))
	register("dateSubtract", 3, 3, TypeDate, dateShift(-1))
	register("dateBetween", 3, 3, TypeNumber, fnDateBetween)
	register("formatDate", 1, 2, TypeString, fnFormatDate)
	register("year", 1, 1, TypeNumber, datePart("year", func(t time.Time) int { return t.Year() }))
	register("month", 1, 1, TypeNumber, datePart("month", func(t time.Time) int { return int(t.Month()) }))
	register("day", 1, 1, TypeNumber, datePart("day", func(t time.Time) int { return t.Day() }))

	// lists
	register("count", 1, 1, TypeNumber, func(ev *evaluator, args []models.Value) (models.Value, error) {
		return models.Number(float64(len(args[0].Items()))), nil
	})
	register("first", 1, 1, TypeAny, func(ev *evaluator, args []models.Value) (models.Value, error) {
		return itemAt(args[0].Items(), 0), nil
	})
	register("last", 1, 1, TypeAny, func(ev *evaluator, args []models.Value) (models.Value, error) {
		return itemAt(args[0].Items(), -1), nil
	})
	register("at", 2, 2, TypeAny, func(ev *evaluator, args []models.Value) (models.Value, error) {
		i, null, err := ev.number(args[1], "at")
		if err != nil || null {
			return models.Null(), err
		}
		return itemAt(args[0].Items(), int(i)), nil
	})

	// relations; evaluated by the evaluator since it needs the resolver
	register("related", 2, 2, TypeList, nil)
}

// FunctionNames lists the builtin function names as users write them.
func FunctionNames() []string {
	names := make([]string, 0, len(builtins))
	for _, b := range builtins {
		names = append(names, b.name)
	}
	sort.Strings(names)
	return names
}

func lookupBuiltin(name string) (builtin, bool) {
	b, ok := builtins[strings.ToLower(name)]
	return b, ok
}

func checkArity(b builtin, n int) error {
	if n < b.minArgs {
		return apperr.Validation("%s() expects at least %d argument(s), got %d", b.name, b.minArgs, n)
	}
	if b.maxArgs >= 0 && n > b.maxArgs {
		return apperr.Validation("%s() expects at most %d argument(s), got %d", b.name, b.maxArgs, n)
	}
	return nil
}

func (ev *evaluator) call(x *Call) (models.Value, error) {
	b, ok := lookupBuiltin(x.Name)
	if !ok {
		return models.Null(), apperr.Validation("unknown function %q at position %d", x.Name, x.Offset)
	}
	if err := checkArity(b, len(x.Args)); err != nil {
		return models.Null(), err
	}

	if lazyBuiltins[x.Name] {
		return ev.lazy(x)
	}

	args := make([]models.Value, len(x.Args))
	for i, arg := range x.Args {
		v, err := ev.eval(arg)
		if err != nil {
			return models.Null(), err
		}
		args[i] = v
	}

	if x.Name == "related" {
		return ev.related(args)
	}
	return b.fn(ev, args)
}

func (ev *evaluator) lazy(x *Call) (models.Value, error) {
	switch x.Name {
	case "if":
		cond, err := ev.eval(x.Args[0])
		if err != nil {
			return models.Null(), err
		}
		if cond.Truthy() {
			return ev.eval(x.Args[1])
		}
		if len(x.Args) == 3 {
			return ev.eval(x.Args[2])
		}
		return models.Null(), nil
	case "and", "or":
		want := x.Name == "or"
		for _, arg := range x.Args {
			v, err := ev.eval(arg)
			if err != nil {
				return models.Null(), err
			}
			if v.Truthy() == want {
				return models.Bool(want), nil
			}
		}
		return models.Bool(!want), nil
	}
	return models.Null(), apperr.Validation("unknown function %q", x.Name)
}

func (ev *evaluator) related(args []models.Value) (models.Value, error) {
	if args[0].Kind != models.KindString || args[1].Kind != models.KindString {
		return models.Null(), apperr.TypeMismatch("related() takes a relation name and a property name")
	}
	if ev.ctx.Resolver == nil {
		return models.Null(), apperr.NotFound("relation %q is not available here", args[0].Str)
	}
	values, err := ev.ctx.Resolver.RelatedValues(args[0].Str, args[1].Str)
	if err != nil {
		return models.Null(), err
	}
	var out []models.Value
	for _, v := range values {
		if v.Kind == models.KindList {
			out = append(out, v.List...)
			continue
		}
		out = append(out, v)
	}
	return models.List(out...), nil
}

func unaryMath(name string, op func(float64) float64) builtinFunc {
	return func(ev *evaluator, args []models.Value) (models.Value, error) {
		f, null, err := ev.number(args[0], name)
		if err != nil || null {
			return models.Null(), err
		}
		return ev.checked(op(f)), nil
	}
}

func fnRound(ev *evaluator, args []models.Value) (models.Value, error) {
	f, null, err := ev.number(args[0], "round")
	if err != nil || null {
		return models.Null(), err
	}
	digits := 0.0
	if len(args) == 2 {
		if digits, _, err = ev.number(args[1], "round"); err != nil {
			return models.Null(), err
		}
	}
	scale := math.Pow(10, math.Trunc(digits))
	return ev.checked(math.Round(f*scale) / scale), nil
}

// flatten expands list arguments and drops nulls.
func flatten(args []models.Value) []models.Value {
	var out []models.Value
	for _, arg := range args {
		for _, item := range arg.Items() {
			if !item.IsNull() {
				out = append(out, item)
			}
		}
	}
	return out
}

func aggregate(kind string) builtinFunc {
	return func(ev *evaluator, args []models.Value) (models.Value, error) {
		items := flatten(args)
		if len(items) == 0 {
			if kind == "sum" {
				return models.Number(0), nil
			}
			return models.Null(), nil
		}
		nums := make([]float64, len(items))
		for i, item := range items {
			f, _, err := ev.number(item, kind)
			if err != nil {
				return models.Null(), err
			}
			nums[i] = f
		}
		acc := nums[0]
		for _, f := range nums[1:] {
			switch kind {
			case "min":
				acc = math.Min(acc, f)
			case "max":
				acc = math.Max(acc, f)
			default:
				acc += f
			}
		}
		if kind == "average" {
			acc /= float64(len(nums))
		}
		return ev.checked(acc), nil
	}
}

func fnConcat(ev *evaluator, args []models.Value) (models.Value, error) {
	allLists := len(args) > 0
	for _, arg := range args {
		if arg.Kind != models.KindList {
			allLists = false
		}
	}
	if allLists {
		var out []models.Value
		for _, arg := range args {
			out = append(out, arg.List...)
		}
		return models.List(out...), nil
	}
	var sb strings.Builder
	for _, arg := range args {
		sb.WriteString(arg.String())
	}
	return models.String(sb.String()), nil
}

func fnLength(ev *evaluator, args []models.Value) (models.Value, error) {
	v := args[0]
	switch v.Kind {
	case models.KindNull:
		return models.Number(0), nil
	case models.KindList:
		return models.Number(float64(len(v.List))), nil
	}
	return models.Number(float64(utf8.RuneCountInString(v.String()))), nil
}

func textFn(op func(string) string) builtinFunc {
	return func(ev *evaluator, args []models.Value) (models.Value, error) {
		if args[0].IsNull() {
			return models.Null(), nil
		}
		return models.String(op(args[0].String())), nil
	}
}

func fnContains(ev *evaluator, args []models.Value) (models.Value, error) {
	haystack, needle := args[0], args[1]
	if haystack.Kind == models.KindList {
		for _, item := range haystack.List {
			if item.Equal(needle) || item.String() == needle.String() {
				return models.Bool(true), nil
			}
		}
		return models.Bool(false), nil
	}
	return models.Bool(strings.Contains(haystack.String(), needle.String())), nil
}

// sliceBounds resolves python style start/end indexes, negative from the end.
func sliceBounds(n int, start, end float64, hasEnd bool) (int, int) {
	clamp := func(i int) int {
		if i < 0 {
			i += n
		}
		if i < 0 {
			return 0
		}
		if i > n {
			return n
		}
		return i
	}
	s := clamp(int(start))
	e := n
	if hasEnd {
		e = clamp(int(end))
	}
	if e < s {
		e = s
	}
	return s, e
}

func fnSlice(ev *evaluator, args []models.Value) (models.Value, error) {
	start, _, err := ev.number(args[1], "slice")
	if err != nil {
		return models.Null(), err
	}
	var end float64
	hasEnd := len(args) == 3 && !args[2].IsNull()
	if hasEnd {
		if end, _, err = ev.number(args[2], "slice"); err != nil {
			return models.Null(), err
		}
	}
	v := args[0]
	switch v.Kind {
	case models.KindNull:
		return models.Null(), nil
	case models.KindList:
		s, e := sliceBounds(len(v.List), start, end, hasEnd)
		return models.List(v.List[s:e]...), nil
	}
	runes := []rune(v.String())
	s, e := sliceBounds(len(runes), start, end, hasEnd)
	return models.String(string(runes[s:e])), nil
}

func fnToNumber(ev *evaluator, args []models.Value) (models.Value, error) {
	v := args[0]
	switch v.Kind {
	case models.KindNull:
		return models.Null(), nil
	case models.KindDate:
		return models.Number(float64(v.Time.UnixMilli())), nil
	}
	if f, ok := parseNumber(v); ok {
		return models.Number(f), nil
	}
	ev.warn(apperr.TypeCoercionWarning, "%q is not a number", v.String())
	return models.Null(), nil
}

func fnJoin(ev *evaluator, args []models.Value) (models.Value, error) {
	sep := ", "
	if len(args) == 2 {
		sep = args[1].String()
	}
	items := args[0].Items()
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, item.String())
	}
	return models.String(strings.Join(parts, sep)), nil
}

func itemAt(items []models.Value, i int) models.Value {
	if i < 0 {
		i += len(items)
	}
	if i < 0 || i >= len(items) {
		return models.Null()
	}
	return items[i]
}

func addUnit(t time.Time, n float64, unit string) (time.Time, error) {
	whole := int(n)
	switch strings.TrimSuffix(strings.ToLower(unit), "s") {
	case "year":
		return t.AddDate(whole, 0, 0), nil
	case "quarter":
		return t.AddDate(0, 3*whole, 0), nil
	case "month":
		return t.AddDate(0, whole, 0), nil
	case "week":
		return t.AddDate(0, 0, 7*whole), nil
	case "day":
		return t.AddDate(0, 0, whole), nil
	case "hour":
		return t.Add(time.Duration(n * float64(time.Hour))), nil
	case "minute":
		return t.Add(time.Duration(n * float64(time.Minute))), nil
	case "second":
		return t.Add(time.Duration(n * float64(time.Second))), nil
	case "millisecond":
		return t.Add(time.Duration(n * float64(time.Millisecond))), nil
	}
	return t, apperr.Validation("unknown date unit %q", unit)
}

func dateShift(sign float64) builtinFunc {
	return func(ev *evaluator, args []models.Value) (models.Value, error) {
		t, null, err := ev.date(args[0], "dateAdd")
		if err != nil || null {
			return models.Null(), err
		}
		n, null, err := ev.number(args[1], "dateAdd")
		if err != nil || null {
			return models.Null(), err
		}
		out, err := addUnit(t, sign*n, args[2].String())
		if err != nil {
			return models.Null(), err
		}
		return models.Date(out), nil
	}
}

// monthsBetween counts whole calendar months from b to a.
func monthsBetween(a, b time.Time) int {
	months := (a.Year()-b.Year())*12 + int(a.Month()) - int(b.Month())
	if months > 0 && b.AddDate(0, months, 0).After(a) {
		months--
	} else if months < 0 && b.AddDate(0, months, 0).Before(a) {
		months++
	}
	return months
}

func fnDateBetween(ev *evaluator, args []models.Value) (models.Value, error) {
	a, nullA, err := ev.date(args[0], "dateBetween")
	if err != nil {
		return models.Null(), err
	}
	b, nullB, err := ev.date(args[1], "dateBetween")
	if err != nil {
		return models.Null(), err
	}
	if nullA || nullB {
		return models.Null(), nil
	}
	d := a.Sub(b)
	var out float64
	switch strings.TrimSuffix(strings.ToLower(args[2].String()), "s") {
	case "year":
		out = float64(monthsBetween(a, b) / 12)
	case "quarter":
		out = float64(monthsBetween(a, b) / 3)
	case "month":
		out = float64(monthsBetween(a, b))
	case "week":
		out = math.Trunc(d.Hours() / (24 * 7))
	case "day":
		out = math.Trunc(d.Hours() / 24)
	case "hour":
		out = math.Trunc(d.Hours())
	case "minute":
		out = math.Trunc(d.Minutes())
	case "second":
		out = math.Trunc(d.Seconds())
	case "millisecond":
		out = float64(d.Milliseconds())
	default:
		return models.Null(), apperr.Validation("unknown date unit %q", args[2].String())
	}
	return models.Number(out), nil
}

// dateTokens maps user facing format tokens to Go layout fragments, longest first.
var dateTokens = []struct{ token, layout string }{
	{"YYYY", "2006"}, {"YY", "06"},
	{"MMMM", "January"}, {"MMM", "Jan"}, {"MM", "01"}, {"M", "1"},
	{"DD", "02"}, {"D", "2"},
	{"dddd", "Monday"}, {"ddd", "Mon"},
	{"HH", "15"}, {"hh", "03"}, {"h", "3"},
	{"mm", "04"}, {"ss", "05"}, {"A", "PM"}, {"a", "pm"},
}

// GoLayout converts a format like "YYYY-MM-DD HH:mm" to a Go time layout.
func GoLayout(format string) string {
	var sb strings.Builder
	for i := 0; i < len(format); {
		matched := false
		for _, t := range dateTokens {
			if strings.HasPrefix(format[i:], t.token) {
				sb.WriteString(t.layout)
				i += len(t.token)
				matched = true
				break
			}
		}
		if !matched {
			sb.WriteByte(format[i])
			i++
		}
	}
	return sb.String()
}

func fnFormatDate(ev *evaluator, args []models.Value) (models.Value, error) {
	t, null, err := ev.date(args[0], "formatDate")
	if err != nil || null {
		return models.Null(), err
	}
	layout := "2006-01-02"
	if len(args) == 2 && !args[1].IsNull() {
		layout = GoLayout(args[1].String())
	}
	return models.String(t.Format(layout)), nil
}

func datePart(name string, part func(time.Time) int) builtinFunc {
	return func(ev *evaluator, args []models.Value) (models.Value, error) {
		t, null, err := ev.date(args[0], name)
		if err != nil || null {
			return models.Null(), err
		}
		return models.Number(float64(part(t))), nil
	}
}

