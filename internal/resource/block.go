package resource

import (
	"fmt"
	"sync"

	"github.com/jchantrell/valveres/internal/kv3"
	"github.com/jchantrell/valveres/internal/ntro"
)

// Block is one entry of the block directory. Offset is absolute within the
// resource.
type Block struct {
	Type   BlockType
	Offset uint32
	Size   uint32

	data []byte
	// owner is the resource whose buffer holds data at Offset.
	owner *Resource

	once    sync.Once
	payload any
	err     error
}

// NewBlock creates a detached block. Encode appends it after the blocks
// that are already placed.
func NewBlock(t BlockType, data []byte) *Block {
	return &Block{Type: t, Size: uint32(len(data)), data: data}
}

// Data returns the raw block bytes. The slice aliases the resource buffer.
func (b *Block) Data() []byte {
	return b.data
}

// decoded runs the block's typed decode at most once.
func (r *Resource) decoded(b *Block) (any, error) {
	b.once.Do(func() {
		b.payload, b.err = r.decodeBlock(b)
	})
	return b.payload, b.err
}

func (r *Resource) decodeBlock(b *Block) (any, error) {
	switch {
	case b.Type == BlockRERL:
		return readExternalReferences(b.data)
	case b.Type == BlockNTRO:
		return ntro.ReadManifest(b.data)
	case kv3.IsKV3(b.data):
		return kv3.Decode(b.data)
	case b.Type == BlockDATA && r.ContainsBlock(BlockNTRO):
		return r.decodeStruct(b)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedBlockType, b.Type)
}

// decodeStruct decodes b through the resource's introspection manifest.
// The root is the first struct the manifest declares.
func (r *Resource) decodeStruct(b *Block) (*ntro.Tree, error) {
	m, err := r.Introspection()
	if err != nil {
		return nil, err
	}
	if len(m.Structs) == 0 {
		return nil, fmt.Errorf("%w: %s has no root struct", ErrUnsupportedBlockType, b.Type)
	}

	options := ntro.DefaultDecoderOptions()
	if r.options.Decoder != nil {
		*options = *r.options.Decoder
	}
	if options.Resolver == nil {
		refs, err := r.ExternalReferences()
		if err != nil {
			return nil, err
		}
		if len(refs) > 0 {
			options.Resolver = Resolver(refs)
		}
	}
	return ntro.NewDecoder(m, options).Decode(b.data, m.Structs[0])
}

func (r *Resource) typed(t BlockType) (any, error) {
	b, ok := r.Block(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, t)
	}
	v, err := r.decoded(b)
	if err != nil {
		return nil, fmt.Errorf("decoding %s block: %w", t, err)
	}
	return v, nil
}

// ExternalReferences returns the decoded RERL block, or nil when absent.
func (r *Resource) ExternalReferences() ([]ExternalReference, error) {
	if !r.ContainsBlock(BlockRERL) {
		return nil, nil
	}
	v, err := r.typed(BlockRERL)
	if err != nil {
		return nil, err
	}
	return v.([]ExternalReference), nil
}

// Introspection returns the decoded NTRO manifest.
func (r *Resource) Introspection() (*ntro.Manifest, error) {
	v, err := r.typed(BlockNTRO)
	if err != nil {
		return nil, err
	}
	return v.(*ntro.Manifest), nil
}

// DataStruct returns the DATA block decoded as reflection structs.
func (r *Resource) DataStruct() (*ntro.Tree, error) {
	v, err := r.typed(BlockDATA)
	if err != nil {
		return nil, err
	}
	tree, ok := v.(*ntro.Tree)
	if !ok {
		return nil, fmt.Errorf("%w: DATA is not struct data", ErrUnsupportedBlockType)
	}
	return tree, nil
}

// KeyValues returns block t decoded as KV3.
func (r *Resource) KeyValues(t BlockType) (*kv3.File, error) {
	v, err := r.typed(t)
	if err != nil {
		return nil, err
	}
	f, ok := v.(*kv3.File)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not KV3", ErrUnsupportedBlockType, t)
	}
	return f, nil
}

// DataAsTree returns DATA as a key-value tree regardless of its encoding.
func (r *Resource) DataAsTree() (*kv3.Value, error) {
	return r.BlockAsTree(BlockDATA)
}

// BlockAsTree returns any decodable block as a key-value tree.
func (r *Resource) BlockAsTree(t BlockType) (*kv3.Value, error) {
	v, err := r.typed(t)
	if err != nil {
		return nil, err
	}

	switch p := v.(type) {
	case *kv3.File:
		return p.Root, nil
	case *ntro.Tree:
		return p.ToKV(p.Root), nil
	case []ExternalReference:
		elems := make([]*kv3.Value, 0, len(p))
		for _, ref := range p {
			elems = append(elems, kv3.Object(
				kv3.M("id", kv3.Uint(ref.ID)),
				kv3.M("name", kv3.String(ref.Name)),
			))
		}
		return kv3.Array(elems...), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedBlockType, t)
}
