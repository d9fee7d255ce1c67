package ntro

// NodeID indexes Tree.Nodes.
type NodeID int32

// NoNode is the zero value for an absent node.
const NoNode NodeID = -1

type NodeKind uint8

const (
	KindScalar NodeKind = iota
	KindStruct
	KindArray
	KindColor
	KindNull
	KindUnsupported
)

func (k NodeKind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindStruct:
		return "struct"
	case KindArray:
		return "array"
	case KindColor:
		return "color"
	case KindNull:
		return "null"
	case KindUnsupported:
		return "unsupported"
	}
	return "invalid"
}

// Node is one decoded value. Which payload fields are set depends on Kind
// and Type:
//
//	signed integers, enums  Int
//	unsigned integers, external reference ids  Uint
//	float, vectors, matrices  Floats
//	boolean  Bool
//	strings, enum names, resolved reference names  Str
//	color  Color
type Node struct {
	Kind NodeKind
	Type FieldType

	// Name is the struct name for struct nodes.
	Name   string
	Fields []NamedNode
	Elems  []NodeID

	// Indirect marks arrays and values reached through an indirection.
	Indirect bool

	Int    int64
	Uint   uint64
	Floats []float32
	Bool   bool
	Str    string
	Color  [4]byte
}

// NamedNode is a struct field.
type NamedNode struct {
	Name string
	Node NodeID
}

// Tree is an arena of decoded nodes. Indirections are stored as NodeIDs,
// never as byte offsets.
type Tree struct {
	Nodes  []Node
	Root   NodeID
	Errors []error
}

func (t *Tree) add(n Node) NodeID {
	t.Nodes = append(t.Nodes, n)
	return NodeID(len(t.Nodes) - 1)
}

// Node returns the node for id, or nil when id is out of range.
func (t *Tree) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(t.Nodes) {
		return nil
	}
	return &t.Nodes[id]
}

// Field looks up a named field of the struct node id.
func (t *Tree) Field(id NodeID, name string) (NodeID, bool) {
	n := t.Node(id)
	if n == nil || n.Kind != KindStruct {
		return NoNode, false
	}
	for _, f := range n.Fields {
		if f.Name == name {
			return f.Node, true
		}
	}
	return NoNode, false
}

// Path follows a chain of field names from id.
func (t *Tree) Path(id NodeID, names ...string) (NodeID, bool) {
	for _, name := range names {
		var ok bool
		if id, ok = t.Field(id, name); !ok {
			return NoNode, false
		}
	}
	return id, true
}

// RootStruct returns the struct name of the root node.
func (t *Tree) RootStruct() string {
	if n := t.Node(t.Root); n != nil {
		return n.Name
	}
	return ""
}
