package ntro

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
)

// ReferenceResolver maps an external reference id to a resource name.
type ReferenceResolver func(id uint64) (string, bool)

// DecoderOptions configures struct decoding.
type DecoderOptions struct {
	// Resolver names external references. Unresolved ids keep only their numeric value.
	Resolver ReferenceResolver
	// MaxDepth bounds struct and indirection nesting.
	MaxDepth int
	// MaxNodes bounds the size of the decoded tree. Pointers may share a
	// pointee, so without it a small block can expand exponentially. Zero
	// scales the limit with the block length.
	MaxNodes int
}

// nodesPerByte is the default node budget per byte of struct data. A one
// byte struct holding a one byte field costs two nodes.
const nodesPerByte = 4

// minNodes is the smallest default node budget.
const minNodes = 4096

// DefaultDecoderOptions returns sensible defaults.
func DefaultDecoderOptions() *DecoderOptions {
	return &DecoderOptions{
		MaxDepth: 64,
	}
}

// Decoder decodes struct-data blocks using a manifest.
type Decoder struct {
	manifest *Manifest
	options  *DecoderOptions
}

func NewDecoder(m *Manifest, options *DecoderOptions) *Decoder {
	if options == nil {
		options = DefaultDecoderOptions()
	}
	return &Decoder{manifest: m, options: options}
}

// decodeState holds per-call state so a Decoder can be shared.
type decodeState struct {
	*Decoder
	data     []byte
	tree     *Tree
	depth    int
	maxNodes int
}

// Decode reads root from the start of data. Reads past data fail the whole
// tree with ErrStructOverrun. Unsupported field types are recorded in
// Tree.Errors and stop only the struct that contains them.
func (d *Decoder) Decode(data []byte, root *Struct) (*Tree, error) {
	if root == nil {
		return nil, fmt.Errorf("%w: nil root struct", ErrUnknownStruct)
	}

	s := &decodeState{Decoder: d, data: data, tree: &Tree{Root: NoNode}, maxNodes: d.options.MaxNodes}
	if s.maxNodes <= 0 {
		s.maxNodes = max(minNodes, len(data)*nodesPerByte)
	}
	id, err := s.decodeStruct(root, 0)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", root.Name, err)
	}
	s.tree.Root = id

	if len(s.tree.Errors) > 0 {
		slog.Debug("Decoded struct data with unsupported fields",
			"struct", root.Name,
			"nodes", len(s.tree.Nodes),
			"errors", len(s.tree.Errors))
	}
	return s.tree, nil
}

func (s *decodeState) need(pos, n int) error {
	if pos < 0 || n < 0 || pos+n > len(s.data) {
		return fmt.Errorf("%w: %d bytes at %d, buffer is %d", ErrStructOverrun, n, pos, len(s.data))
	}
	return nil
}

func (s *decodeState) enter() error {
	s.depth++
	if s.depth > s.options.MaxDepth {
		return fmt.Errorf("%w: nesting deeper than %d", ErrStructOverrun, s.options.MaxDepth)
	}
	return nil
}

func (s *decodeState) leave() { s.depth-- }

func (s *decodeState) add(n Node) (NodeID, error) {
	if len(s.tree.Nodes) >= s.maxNodes {
		return NoNode, fmt.Errorf("%w: more than %d nodes", ErrStructOverrun, s.maxNodes)
	}
	return s.add(n)
}

// fields returns the fields of st with its base struct chain merged in front.
func (s *decodeState) fields(st *Struct) ([]Field, error) {
	var chain []*Struct
	for cur := st; ; {
		chain = append(chain, cur)
		if cur.BaseStructID == 0 {
			break
		}
		base, ok := s.manifest.StructByID(cur.BaseStructID)
		if !ok {
			return nil, fmt.Errorf("%w: base %d of %s", ErrUnknownStruct, cur.BaseStructID, cur.Name)
		}
		if len(chain) > s.options.MaxDepth {
			return nil, fmt.Errorf("%w: base struct chain of %s loops", ErrManifestCorrupt, st.Name)
		}
		cur = base
	}

	var out []Field
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, chain[i].Fields...)
	}
	return out, nil
}

func (s *decodeState) decodeStruct(st *Struct, pos int) (NodeID, error) {
	if err := s.enter(); err != nil {
		return NoNode, err
	}
	defer s.leave()

	if err := s.need(pos, int(st.DiskSize)); err != nil {
		return NoNode, fmt.Errorf("struct %s: %w", st.Name, err)
	}

	fields, err := s.fields(st)
	if err != nil {
		return NoNode, err
	}

	id, err := s.add(Node{Kind: KindStruct, Type: TypeStruct, Name: st.Name})
	if err != nil {
		return NoNode, err
	}
	named := make([]NamedNode, 0, len(fields))

	for _, f := range fields {
		child, err := s.decodeField(f, pos+int(f.Offset))
		if errors.Is(err, ErrUnsupportedFieldType) {
			named = append(named, NamedNode{Name: f.Name, Node: child})
			s.tree.Errors = append(s.tree.Errors, fmt.Errorf("%s.%s: %w", st.Name, f.Name, err))
			break
		}
		if err != nil {
			return NoNode, fmt.Errorf("%s.%s: %w", st.Name, f.Name, err)
		}
		named = append(named, NamedNode{Name: f.Name, Node: child})
	}

	s.tree.Nodes[id].Fields = named
	return id, nil
}

func (s *decodeState) elemSize(f Field) (int, error) {
	if f.Type == TypeStruct {
		st, ok := s.manifest.StructByID(f.TypeData)
		if !ok {
			return 0, fmt.Errorf("%w: %d", ErrUnknownStruct, f.TypeData)
		}
		return int(st.DiskSize), nil
	}
	return f.Type.fixedSize(), nil
}

func (s *decodeState) unsupported(f Field, reason string) (NodeID, error) {
	id, err := s.add(Node{Kind: KindUnsupported, Type: f.Type, Int: int64(f.Type)})
	if err != nil {
		return NoNode, err
	}
	return id, fmt.Errorf("%w: %s (%s)", ErrUnsupportedFieldType, f.Type, reason)
}

func (s *decodeState) decodeField(f Field, pos int) (NodeID, error) {
	if !f.Type.Supported() {
		return s.unsupported(f, fmt.Sprintf("tag %d", int16(f.Type)))
	}
	if len(f.Indirections) > 1 {
		return s.unsupported(f, fmt.Sprintf("%d levels of indirection", len(f.Indirections)))
	}

	size, err := s.elemSize(f)
	if err != nil {
		return NoNode, err
	}

	if len(f.Indirections) == 1 {
		switch f.Indirections[0] {
		case IndirectionPointer:
			return s.decodePointers(f, pos)
		case IndirectionArray:
			return s.decodeArrayIndirection(f, pos, size)
		default:
			return s.unsupported(f, f.Indirections[0].String())
		}
	}

	if f.Count > 0 {
		return s.decodeContiguous(f, pos, int(f.Count), size, false)
	}
	return s.decodeValue(f, pos)
}

// decodePointers reads max(Count, 1) self-relative offsets. Each pointee is
// resolved on its own, so offsets need not be ordered.
func (s *decodeState) decodePointers(f Field, pos int) (NodeID, error) {
	n := max(int(f.Count), 1)
	if err := s.need(pos, n*4); err != nil {
		return NoNode, err
	}

	elems := make([]NodeID, 0, n)
	for i := range n {
		p := pos + i*4
		off := binary.LittleEndian.Uint32(s.data[p:])
		if off == 0 {
			id, err := s.add(Node{Kind: KindNull, Type: f.Type, Indirect: true})
			if err != nil {
				return NoNode, err
			}
			elems = append(elems, id)
			continue
		}
		id, err := s.decodeValue(f, p+int(off))
		if err != nil {
			return NoNode, err
		}
		s.tree.Nodes[id].Indirect = true
		elems = append(elems, id)
	}

	if f.Count <= 1 {
		return elems[0], nil
	}
	return s.add(Node{Kind: KindArray, Type: f.Type, Elems: elems, Indirect: true})
}

// decodeArrayIndirection reads a self-relative offset and an element count.
func (s *decodeState) decodeArrayIndirection(f Field, pos, size int) (NodeID, error) {
	if err := s.need(pos, 8); err != nil {
		return NoNode, err
	}
	off := binary.LittleEndian.Uint32(s.data[pos:])
	count := binary.LittleEndian.Uint32(s.data[pos+4:])
	if off == 0 || count == 0 {
		return s.add(Node{Kind: KindArray, Type: f.Type, Indirect: true})
	}
	if uint64(count)*uint64(max(size, 1)) > uint64(len(s.data)) {
		return NoNode, fmt.Errorf("%w: %d elements of %d bytes", ErrStructOverrun, count, size)
	}
	return s.decodeContiguous(f, pos+int(off), int(count), size, true)
}

func (s *decodeState) decodeContiguous(f Field, pos, count, size int, indirect bool) (NodeID, error) {
	if err := s.need(pos, count*size); err != nil {
		return NoNode, err
	}
	if err := s.enter(); err != nil {
		return NoNode, err
	}
	defer s.leave()

	elems := make([]NodeID, 0, count)
	for i := range count {
		id, err := s.decodeValue(f, pos+i*size)
		if err != nil {
			return NoNode, err
		}
		elems = append(elems, id)
	}
	return s.add(Node{Kind: KindArray, Type: f.Type, Elems: elems, Indirect: indirect})
}

func (s *decodeState) decodeValue(f Field, pos int) (NodeID, error) {
	if f.Type == TypeStruct {
		st, ok := s.manifest.StructByID(f.TypeData)
		if !ok {
			return NoNode, fmt.Errorf("%w: %d", ErrUnknownStruct, f.TypeData)
		}
		return s.decodeStruct(st, pos)
	}

	if err := s.need(pos, f.Type.fixedSize()); err != nil {
		return NoNode, err
	}

	b := s.data[pos:]
	le := binary.LittleEndian
	n := Node{Kind: KindScalar, Type: f.Type}

	switch f.Type {
	case TypeSByte:
		n.Int = int64(int8(b[0]))
	case TypeByte:
		n.Uint = uint64(b[0])
	case TypeBoolean:
		n.Bool = b[0] != 0
	case TypeInt16:
		n.Int = int64(int16(le.Uint16(b)))
	case TypeUInt16:
		n.Uint = uint64(le.Uint16(b))
	case TypeInt32:
		n.Int = int64(int32(le.Uint32(b)))
	case TypeUInt32:
		n.Uint = uint64(le.Uint32(b))
	case TypeInt64:
		n.Int = int64(le.Uint64(b))
	case TypeUInt64:
		n.Uint = le.Uint64(b)
	case TypeFloat, TypeVector, TypeQuaternion, TypeFltx4, TypeVector4D, TypeCTransform, TypeMatrix3x4, TypeMatrix3x4a:
		n.Floats = make([]float32, f.Type.floatCount())
		for i := range n.Floats {
			n.Floats[i] = math.Float32frombits(le.Uint32(b[i*4:]))
		}
	case TypeColor:
		n.Kind = KindColor
		copy(n.Color[:], b[:4])
	case TypeEnum:
		n.Int = int64(int32(le.Uint32(b)))
		if e, ok := s.manifest.EnumByID(f.TypeData); ok {
			n.Str = e.ValueName(int32(n.Int))
		}
	case TypeExternalReference:
		n.Uint = le.Uint64(b)
		if n.Uint != 0 && s.options.Resolver != nil {
			if name, ok := s.options.Resolver(n.Uint); ok {
				n.Str = name
			}
		}
	case TypeString, TypeString4:
		str, err := s.readString(pos)
		if err != nil {
			return NoNode, err
		}
		n.Str = str
	}

	return s.add(n)
}

// readString follows the self-relative offset at pos to a NUL-terminated string.
func (s *decodeState) readString(pos int) (string, error) {
	off := binary.LittleEndian.Uint32(s.data[pos:])
	if off == 0 {
		return "", nil
	}
	start := pos + int(off)
	if err := s.need(start, 1); err != nil {
		return "", err
	}
	end := bytes.IndexByte(s.data[start:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string at %d", ErrStructOverrun, start)
	}
	return string(s.data[start : start+end]), nil
}
