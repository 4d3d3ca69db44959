package formula

// Node is a parsed expression tree node.
type Node interface {
	Pos() int
}

type NumberLit struct {
	Value  float64
	Offset int
}

type StringLit struct {
	Value  string
	Offset int
}

type BoolLit struct {
	Value  bool
	Offset int
}

type NullLit struct {
	Offset int
}

// PropertyRef reads a property of the record being evaluated, by name or id.
type PropertyRef struct {
	Name   string
	Offset int
}

// VariableRef reads a caller supplied variable.
type VariableRef struct {
	Name   string
	Offset int
}

type Unary struct {
	Op      string
	Operand Node
	Offset  int
}

type Binary struct {
	Op     string
	Left   Node
	Right  Node
	Offset int
}

type Call struct {
	Name   string
	Args   []Node
	Offset int
}

func (n *NumberLit) Pos() int   { return n.Offset }
func (n *StringLit) Pos() int   { return n.Offset }
func (n *BoolLit) Pos() int     { return n.Offset }
func (n *NullLit) Pos() int     { return n.Offset }
func (n *PropertyRef) Pos() int { return n.Offset }
func (n *VariableRef) Pos() int { return n.Offset }
func (n *Unary) Pos() int       { return n.Offset }
func (n *Binary) Pos() int      { return n.Offset }
func (n *Call) Pos() int        { return n.Offset }

// Walk visits n and its children depth first. Returning false from fn skips
// the children of that node.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	switch x := n.(type) {
	case *Unary:
		Walk(x.Operand, fn)
	case *Binary:
		Walk(x.Left, fn)
		Walk(x.Right, fn)
	case *Call:
		for _, arg := range x.Args {
			Walk(arg, fn)
		}
	}
}

// CountNodes returns the number of nodes in the tree.
func CountNodes(n Node) int {
	count := 0
	Walk(n, func(Node) bool {
		count++
		return true
	})
	return count
}
