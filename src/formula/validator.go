package formula

import (
	"fmt"

	"brainengine/src/models"
)

// Complexity weights added on top of the node count.
const (
	callWeight    = 5
	relatedWeight = 10
)

// PropertyInfo is what the validator needs to know about a referenced property.
type PropertyInfo struct {
	ID   string
	Name string
	Type models.PropertyType
	// ReturnType is set for formula properties.
	ReturnType string
}

// Schema resolves property refs during static validation.
type Schema interface {
	LookupProperty(ref string) (PropertyInfo, bool)
	// LookupRelated resolves a related() call to its relation property and the
	// property read on the target database.
	LookupRelated(relationRef, propertyRef string) (relation PropertyInfo, target PropertyInfo, err error)
}

// Validation is the static analysis report of an expression.
type Validation struct {
	IsValid              bool     `json:"isValid"`
	Errors               []string `json:"errors"`
	Warnings             []string `json:"warnings"`
	Dependencies         []string `json:"dependencies"`
	RelationDependencies []string `json:"relationDependencies,omitempty"`
	ReturnType           string   `json:"returnType"`
	EstimatedComplexity  int      `json:"estimatedComplexity"`

	Root Node `json:"-"`
}

type validator struct {
	schema  Schema
	report  *Validation
	deps    map[string]bool
	relDeps map[string]bool
	calls   int
	related int
}

// Validate parses expr and checks it against schema without evaluating it.
// A nil schema skips property resolution.
func Validate(expr string, schema Schema) Validation {
	report := Validation{Errors: []string{}, Warnings: []string{}, Dependencies: []string{}}
	root, err := Parse(expr)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}
	report.Root = root

	v := &validator{schema: schema, report: &report, deps: map[string]bool{}, relDeps: map[string]bool{}}
	report.ReturnType = v.infer(root)
	report.EstimatedComplexity = CountNodes(root) + callWeight*v.calls + relatedWeight*v.related
	report.IsValid = len(report.Errors) == 0
	return report
}

func (v *validator) errorf(format string, args ...any) {
	v.report.Errors = append(v.report.Errors, fmt.Sprintf(format, args...))
}

func (v *validator) warnf(format string, args ...any) {
	v.report.Warnings = append(v.report.Warnings, fmt.Sprintf(format, args...))
}

func (v *validator) depend(id string) {
	if !v.deps[id] {
		v.deps[id] = true
		v.report.Dependencies = append(v.report.Dependencies, id)
	}
}

func (v *validator) dependRelation(id string) {
	if !v.relDeps[id] {
		v.relDeps[id] = true
		v.report.RelationDependencies = append(v.report.RelationDependencies, id)
	}
}

func (v *validator) infer(n Node) string {
	switch x := n.(type) {
	case *NumberLit:
		return TypeNumber
	case *StringLit:
		return TypeString
	case *BoolLit:
		return TypeBoolean
	case *NullLit:
		return TypeAny
	case *VariableRef:
		return TypeAny
	case *PropertyRef:
		if v.schema == nil {
			v.depend(x.Name)
			return TypeAny
		}
		info, ok := v.schema.LookupProperty(x.Name)
		if !ok {
			v.errorf("unknown property %q at position %d", x.Name, x.Offset)
			return TypeAny
		}
		v.depend(info.ID)
		return ReturnTypeOf(info.Type, info.ReturnType)
	case *Unary:
		operand := v.infer(x.Operand)
		if x.Op == "!" {
			return TypeBoolean
		}
		if operand != TypeNumber && operand != TypeAny {
			v.warnf("%s operand of unary minus will be coerced to a number", operand)
		}
		return TypeNumber
	case *Binary:
		return v.inferBinary(x)
	case *Call:
		return v.inferCall(x)
	}
	return TypeAny
}

func (v *validator) inferBinary(x *Binary) string {
	left := v.infer(x.Left)
	right := v.infer(x.Right)

	switch x.Op {
	case "&&", "||", "==", "!=":
		return TypeBoolean
	case "<", "<=", ">", ">=":
		if left != right && left != TypeAny && right != TypeAny {
			v.warnf("comparing %s with %s coerces at runtime", left, right)
		}
		return TypeBoolean
	case "+":
		if left == TypeString || right == TypeString {
			return TypeString
		}
		if left == TypeList && right == TypeList {
			return TypeList
		}
	}

	if left == TypeDate {
		if right == TypeDate && x.Op == "-" {
			return TypeNumber
		}
		if x.Op == "+" || x.Op == "-" {
			return TypeDate
		}
	}
	for _, side := range []string{left, right} {
		if side != TypeNumber && side != TypeAny {
			v.warnf("%s operand of %q will be coerced to a number", side, x.Op)
		}
	}
	if left == TypeAny || right == TypeAny {
		if x.Op == "+" {
			return TypeAny
		}
	}
	return TypeNumber
}

func (v *validator) inferCall(x *Call) string {
	v.calls++
	b, ok := lookupBuiltin(x.Name)
	if !ok {
		v.errorf("unknown function %q at position %d", x.Name, x.Offset)
		for _, arg := range x.Args {
			v.infer(arg)
		}
		return TypeAny
	}
	if err := checkArity(b, len(x.Args)); err != nil {
		v.errorf("%s", err.Error())
	}

	if x.Name == "related" {
		v.related++
		return v.inferRelated(x)
	}

	argTypes := make([]string, len(x.Args))
	for i, arg := range x.Args {
		argTypes[i] = v.infer(arg)
	}

	switch x.Name {
	case "if":
		if len(argTypes) == 3 && argTypes[1] == argTypes[2] {
			return argTypes[1]
		}
		if len(argTypes) == 2 {
			return argTypes[1]
		}
		return TypeAny
	case "coalesce":
		if len(argTypes) > 0 {
			return argTypes[0]
		}
	case "slice":
		if len(argTypes) > 0 && (argTypes[0] == TypeList || argTypes[0] == TypeString) {
			return argTypes[0]
		}
	case "concat":
		if len(argTypes) > 0 {
			allLists := true
			for _, t := range argTypes {
				if t != TypeList {
					allLists = false
				}
			}
			if allLists {
				return TypeList
			}
		}
	}
	return b.returns
}

func (v *validator) inferRelated(x *Call) string {
	if len(x.Args) != 2 {
		return TypeList
	}
	relRef, ok1 := x.Args[0].(*StringLit)
	propRef, ok2 := x.Args[1].(*StringLit)
	if !ok1 || !ok2 {
		v.errorf("related() requires string literal names at position %d", x.Offset)
		return TypeList
	}
	if v.schema == nil {
		v.depend(relRef.Value)
		v.dependRelation(relRef.Value)
		return TypeList
	}
	relation, _, err := v.schema.LookupRelated(relRef.Value, propRef.Value)
	if err != nil {
		v.errorf("%s", err.Error())
		return TypeList
	}
	v.depend(relation.ID)
	v.dependRelation(relation.ID)
	return TypeList
}

// ReturnTypeOf maps a property type to the formula type its values have.
func ReturnTypeOf(t models.PropertyType, formulaReturn string) string {
	switch t {
	case models.PropertyTypeNumber:
		return TypeNumber
	case models.PropertyTypeCheckbox:
		return TypeBoolean
	case models.PropertyTypeDate, models.PropertyTypeCreatedTime, models.PropertyTypeLastEditedTime:
		return TypeDate
	case models.PropertyTypeMultiSelect, models.PropertyTypeRelation, models.PropertyTypeFile:
		return TypeList
	case models.PropertyTypeRollup:
		return TypeAny
	case models.PropertyTypeFormula:
		if formulaReturn != "" {
			return formulaReturn
		}
		return TypeAny
	}
	return TypeString
}
