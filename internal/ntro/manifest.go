package ntro

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
)

const (
	manifestHeaderSize = 20
	structRecordSize   = 40
	fieldRecordSize    = 24
	enumRecordSize     = 28
	enumFieldSize      = 8
)

// Manifest is the introspection metadata of a resource: the struct and
// enum definitions used to lay out the struct-data block.
type Manifest struct {
	Version uint32
	Structs []*Struct
	Enums   []*Enum

	structsByID map[uint32]*Struct
	enumsByID   map[uint32]*Enum
}

// Struct describes the disk layout of one struct.
type Struct struct {
	Version      uint32
	ID           uint32
	Name         string
	DiskCRC      uint32
	UserVersion  int32
	DiskSize     uint16
	Alignment    uint16
	BaseStructID uint32
	Fields       []Field
	Flags        uint8
}

// Field is one member of a struct.
type Field struct {
	Name         string
	Count        int16
	Offset       int16
	Indirections []Indirection
	TypeData     uint32
	Type         FieldType
}

type Enum struct {
	Version     uint32
	ID          uint32
	Name        string
	DiskCRC     uint32
	UserVersion int32
	Fields      []EnumField
}

type EnumField struct {
	Name  string
	Value int32
}

// NewManifest indexes structs and enums by id.
func NewManifest(version uint32, structs []*Struct, enums []*Enum) *Manifest {
	m := &Manifest{Version: version, Structs: structs, Enums: enums}
	m.index()
	return m
}

func (m *Manifest) index() {
	m.structsByID = make(map[uint32]*Struct, len(m.Structs))
	for _, s := range m.Structs {
		m.structsByID[s.ID] = s
	}
	m.enumsByID = make(map[uint32]*Enum, len(m.Enums))
	for _, e := range m.Enums {
		m.enumsByID[e.ID] = e
	}
}

func (m *Manifest) StructByID(id uint32) (*Struct, bool) {
	s, ok := m.structsByID[id]
	return s, ok
}

func (m *Manifest) StructByName(name string) (*Struct, bool) {
	for _, s := range m.Structs {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

func (m *Manifest) EnumByID(id uint32) (*Enum, bool) {
	e, ok := m.enumsByID[id]
	return e, ok
}

// ValueName returns the member name for value, or "" if none matches.
func (e *Enum) ValueName(value int32) string {
	for _, f := range e.Fields {
		if f.Value == value {
			return f.Name
		}
	}
	return ""
}

// reader is a bounds-checked view over the manifest bytes.
type reader struct {
	data []byte
}

func (r reader) check(pos, n int) error {
	if pos < 0 || n < 0 || pos+n > len(r.data) {
		return fmt.Errorf("%w: read of %d bytes at %d exceeds %d", ErrManifestCorrupt, n, pos, len(r.data))
	}
	return nil
}

func (r reader) u32(pos int) uint32 { return binary.LittleEndian.Uint32(r.data[pos:]) }
func (r reader) u16(pos int) uint16 { return binary.LittleEndian.Uint16(r.data[pos:]) }

// target resolves a self-relative offset stored at pos.
func (r reader) target(pos int) int {
	return pos + int(r.u32(pos))
}

func (r reader) str(pos int) (string, error) {
	if err := r.check(pos, 4); err != nil {
		return "", err
	}
	if r.u32(pos) == 0 {
		return "", nil
	}
	start := r.target(pos)
	if start >= len(r.data) {
		return "", fmt.Errorf("%w: string offset %d out of range", ErrManifestCorrupt, start)
	}
	end := bytes.IndexByte(r.data[start:], 0)
	if end < 0 {
		return "", fmt.Errorf("%w: unterminated string at %d", ErrManifestCorrupt, start)
	}
	return string(r.data[start : start+end]), nil
}

// ReadManifest parses an NTRO block.
func ReadManifest(data []byte) (*Manifest, error) {
	r := reader{data: data}
	if err := r.check(0, manifestHeaderSize); err != nil {
		return nil, err
	}

	m := &Manifest{Version: r.u32(0)}
	structsAt := r.target(4)
	structCount := int(r.u32(8))
	enumsAt := r.target(12)
	enumCount := int(r.u32(16))

	if err := r.check(structsAt, structCount*structRecordSize); err != nil {
		return nil, fmt.Errorf("reading struct table: %w", err)
	}
	if err := r.check(enumsAt, enumCount*enumRecordSize); err != nil {
		return nil, fmt.Errorf("reading enum table: %w", err)
	}

	m.Structs = make([]*Struct, 0, structCount)
	for i := range structCount {
		s, err := r.readStruct(structsAt + i*structRecordSize)
		if err != nil {
			return nil, fmt.Errorf("reading struct %d: %w", i, err)
		}
		m.Structs = append(m.Structs, s)
	}

	m.Enums = make([]*Enum, 0, enumCount)
	for i := range enumCount {
		e, err := r.readEnum(enumsAt + i*enumRecordSize)
		if err != nil {
			return nil, fmt.Errorf("reading enum %d: %w", i, err)
		}
		m.Enums = append(m.Enums, e)
	}

	m.index()

	slog.Debug("Read introspection manifest",
		"version", m.Version,
		"structs", len(m.Structs),
		"enums", len(m.Enums))

	return m, nil
}

func (r reader) readStruct(p int) (*Struct, error) {
	s := &Struct{
		Version:      r.u32(p),
		ID:           r.u32(p + 4),
		DiskCRC:      r.u32(p + 12),
		UserVersion:  int32(r.u32(p + 16)),
		DiskSize:     r.u16(p + 20),
		Alignment:    r.u16(p + 22),
		BaseStructID: r.u32(p + 24),
		Flags:        r.data[p+36],
	}

	var err error
	if s.Name, err = r.str(p + 8); err != nil {
		return nil, err
	}

	fieldsAt := r.target(p + 28)
	fieldCount := int(r.u32(p + 32))
	if err := r.check(fieldsAt, fieldCount*fieldRecordSize); err != nil {
		return nil, fmt.Errorf("reading fields of %s: %w", s.Name, err)
	}

	s.Fields = make([]Field, 0, fieldCount)
	for i := range fieldCount {
		f, err := r.readField(fieldsAt + i*fieldRecordSize)
		if err != nil {
			return nil, fmt.Errorf("reading field %d of %s: %w", i, s.Name, err)
		}
		s.Fields = append(s.Fields, f)
	}
	return s, nil
}

func (r reader) readField(p int) (Field, error) {
	f := Field{
		Count:    int16(r.u16(p + 4)),
		Offset:   int16(r.u16(p + 6)),
		TypeData: r.u32(p + 16),
		Type:     FieldType(int16(r.u16(p + 20))),
	}

	var err error
	if f.Name, err = r.str(p); err != nil {
		return f, err
	}

	indirAt := r.target(p + 8)
	indirCount := int(r.u32(p + 12))
	if indirCount > 0 {
		if err := r.check(indirAt, indirCount); err != nil {
			return f, fmt.Errorf("reading indirections of %s: %w", f.Name, err)
		}
		f.Indirections = make([]Indirection, indirCount)
		for i := range indirCount {
			f.Indirections[i] = Indirection(r.data[indirAt+i])
		}
	}
	return f, nil
}

func (r reader) readEnum(p int) (*Enum, error) {
	e := &Enum{
		Version:     r.u32(p),
		ID:          r.u32(p + 4),
		DiskCRC:     r.u32(p + 12),
		UserVersion: int32(r.u32(p + 16)),
	}

	var err error
	if e.Name, err = r.str(p + 8); err != nil {
		return nil, err
	}

	fieldsAt := r.target(p + 20)
	fieldCount := int(r.u32(p + 24))
	if err := r.check(fieldsAt, fieldCount*enumFieldSize); err != nil {
		return nil, fmt.Errorf("reading members of %s: %w", e.Name, err)
	}

	e.Fields = make([]EnumField, 0, fieldCount)
	for i := range fieldCount {
		fp := fieldsAt + i*enumFieldSize
		name, err := r.str(fp)
		if err != nil {
			return nil, err
		}
		e.Fields = append(e.Fields, EnumField{Name: name, Value: int32(r.u32(fp + 4))})
	}
	return e, nil
}

// MarshalBinary writes the manifest in NTRO block layout.
func (m *Manifest) MarshalBinary() ([]byte, error) {
	fieldCount, enumFieldCount, indirCount := 0, 0, 0
	for _, s := range m.Structs {
		fieldCount += len(s.Fields)
		for _, f := range s.Fields {
			indirCount += len(f.Indirections)
		}
	}
	for _, e := range m.Enums {
		enumFieldCount += len(e.Fields)
	}

	structsAt := manifestHeaderSize
	enumsAt := structsAt + len(m.Structs)*structRecordSize
	fieldsAt := enumsAt + len(m.Enums)*enumRecordSize
	enumFieldsAt := fieldsAt + fieldCount*fieldRecordSize
	indirAt := enumFieldsAt + enumFieldCount*enumFieldSize
	stringsAt := indirAt + indirCount

	w := &writer{buf: make([]byte, stringsAt)}
	le := binary.LittleEndian

	le.PutUint32(w.buf[0:], m.Version)
	w.rel(4, structsAt)
	le.PutUint32(w.buf[8:], uint32(len(m.Structs)))
	w.rel(12, enumsAt)
	le.PutUint32(w.buf[16:], uint32(len(m.Enums)))

	fp, ip := fieldsAt, indirAt
	for i, s := range m.Structs {
		p := structsAt + i*structRecordSize
		le.PutUint32(w.buf[p:], s.Version)
		le.PutUint32(w.buf[p+4:], s.ID)
		w.name(p+8, s.Name)
		le.PutUint32(w.buf[p+12:], s.DiskCRC)
		le.PutUint32(w.buf[p+16:], uint32(s.UserVersion))
		le.PutUint16(w.buf[p+20:], s.DiskSize)
		le.PutUint16(w.buf[p+22:], s.Alignment)
		le.PutUint32(w.buf[p+24:], s.BaseStructID)
		w.rel(p+28, fp)
		le.PutUint32(w.buf[p+32:], uint32(len(s.Fields)))
		w.buf[p+36] = s.Flags

		for _, f := range s.Fields {
			w.name(fp, f.Name)
			le.PutUint16(w.buf[fp+4:], uint16(f.Count))
			le.PutUint16(w.buf[fp+6:], uint16(f.Offset))
			w.rel(fp+8, ip)
			le.PutUint32(w.buf[fp+12:], uint32(len(f.Indirections)))
			le.PutUint32(w.buf[fp+16:], f.TypeData)
			le.PutUint16(w.buf[fp+20:], uint16(f.Type))
			for _, ind := range f.Indirections {
				w.buf[ip] = byte(ind)
				ip++
			}
			fp += fieldRecordSize
		}
	}

	efp := enumFieldsAt
	for i, e := range m.Enums {
		p := enumsAt + i*enumRecordSize
		le.PutUint32(w.buf[p:], e.Version)
		le.PutUint32(w.buf[p+4:], e.ID)
		w.name(p+8, e.Name)
		le.PutUint32(w.buf[p+12:], e.DiskCRC)
		le.PutUint32(w.buf[p+16:], uint32(e.UserVersion))
		w.rel(p+20, efp)
		le.PutUint32(w.buf[p+24:], uint32(len(e.Fields)))
		for _, f := range e.Fields {
			w.name(efp, f.Name)
			le.PutUint32(w.buf[efp+4:], uint32(f.Value))
			efp += enumFieldSize
		}
	}

	return w.buf, nil
}

// writer appends strings after the fixed tables and patches offsets to them.
type writer struct {
	buf []byte
}

func (w *writer) rel(pos, target int) {
	binary.LittleEndian.PutUint32(w.buf[pos:], uint32(target-pos))
}

func (w *writer) name(pos int, s string) {
	w.rel(pos, len(w.buf))
	w.buf = append(w.buf, s...)
	w.buf = append(w.buf, 0)
}
