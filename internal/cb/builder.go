package cb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/owenlxu/bk-repo/internal/iohash"
)

// Builder assembles a document field by field. Containers are opened
// with BeginObject/BeginArray and must be closed in LIFO order; Bytes
// finishes the root object and returns the canonical encoding.
//
// Builders are single-use and not safe for concurrent writers.
type Builder struct {
	stack []*frame
	err   error
}

type frame struct {
	typ   FieldType
	name  string
	buf   bytes.Buffer
	count uint64 // array element count
}

// NewBuilder starts an empty document.
func NewBuilder() *Builder {
	return &Builder{stack: []*frame{{typ: TypeObject}}}
}

func (b *Builder) top() *frame { return b.stack[len(b.stack)-1] }

func (b *Builder) fail(format string, args ...any) {
	if b.err == nil {
		b.err = fmt.Errorf("cb: "+format, args...)
	}
}

// writeTag emits the tag byte and optional name for the field being
// appended to the current container. Named fields inside arrays are
// rejected; unnamed fields inside objects are allowed.
func (b *Builder) writeTag(typ FieldType, name string) bool {
	if b.err != nil {
		return false
	}
	f := b.top()
	if f.typ == TypeArray {
		if name != "" {
			b.fail("named field %q inside array", name)
			return false
		}
		f.count++
	}
	tag := byte(typ)
	if name != "" {
		tag |= flagHasName
	}
	f.buf.WriteByte(tag)
	if name != "" {
		writeUvarint(&f.buf, uint64(len(name)))
		f.buf.WriteString(name)
	}
	return true
}

// BeginObject opens a nested object field.
func (b *Builder) BeginObject(name string) *Builder {
	if b.err != nil {
		return b
	}
	if b.top().typ == TypeArray && name != "" {
		b.fail("named field %q inside array", name)
		return b
	}
	b.stack = append(b.stack, &frame{typ: TypeObject, name: name})
	return b
}

// EndObject closes the innermost object.
func (b *Builder) EndObject() *Builder { return b.endContainer(TypeObject) }

// BeginArray opens an array field. Array elements are written unnamed.
func (b *Builder) BeginArray(name string) *Builder {
	if b.err != nil {
		return b
	}
	if b.top().typ == TypeArray && name != "" {
		b.fail("named field %q inside array", name)
		return b
	}
	b.stack = append(b.stack, &frame{typ: TypeArray, name: name})
	return b
}

// EndArray closes the innermost array.
func (b *Builder) EndArray() *Builder { return b.endContainer(TypeArray) }

func (b *Builder) endContainer(typ FieldType) *Builder {
	if b.err != nil {
		return b
	}
	if len(b.stack) < 2 {
		b.fail("unbalanced End%s", typ)
		return b
	}
	f := b.top()
	if f.typ != typ {
		b.fail("End%s closes open %s", typ, f.typ)
		return b
	}
	b.stack = b.stack[:len(b.stack)-1]
	if f.typ == TypeArray {
		var countBuf bytes.Buffer
		writeUvarint(&countBuf, f.count)
		if !b.writeTag(TypeArray, f.name) {
			return b
		}
		parent := &b.top().buf
		writeUvarint(parent, uint64(countBuf.Len()+f.buf.Len()))
		parent.Write(countBuf.Bytes())
		parent.Write(f.buf.Bytes())
		return b
	}
	if !b.writeTag(TypeObject, f.name) {
		return b
	}
	parent := &b.top().buf
	writeUvarint(parent, uint64(f.buf.Len()))
	parent.Write(f.buf.Bytes())
	return b
}

// WriteNull appends a null field.
func (b *Builder) WriteNull(name string) *Builder {
	b.writeTag(TypeNull, name)
	return b
}

// WriteBool appends a boolean field.
func (b *Builder) WriteBool(name string, v bool) *Builder {
	typ := TypeBoolFalse
	if v {
		typ = TypeBoolTrue
	}
	b.writeTag(typ, name)
	return b
}

// WriteInt appends an integer field.
func (b *Builder) WriteInt(name string, v int64) *Builder {
	typ := TypeIntegerPositive
	mag := uint64(v)
	if v < 0 {
		typ = TypeIntegerNegative
		mag = uint64(-(v + 1))
	}
	if b.writeTag(typ, name) {
		writeUvarint(&b.top().buf, mag)
	}
	return b
}

// WriteFloat64 appends a float field.
func (b *Builder) WriteFloat64(name string, v float64) *Builder {
	if b.writeTag(TypeFloat64, name) {
		var raw [8]byte
		binary.BigEndian.PutUint64(raw[:], math.Float64bits(v))
		b.top().buf.Write(raw[:])
	}
	return b
}

// WriteString appends a string field.
func (b *Builder) WriteString(name, v string) *Builder {
	if b.writeTag(TypeString, name) {
		buf := &b.top().buf
		writeUvarint(buf, uint64(len(v)))
		buf.WriteString(v)
	}
	return b
}

// WriteBinary appends a binary field.
func (b *Builder) WriteBinary(name string, v []byte) *Builder {
	if b.writeTag(TypeBinary, name) {
		buf := &b.top().buf
		writeUvarint(buf, uint64(len(v)))
		buf.Write(v)
	}
	return b
}

// WriteHash appends a plain digest field.
func (b *Builder) WriteHash(name string, h iohash.Hash) *Builder {
	if b.writeTag(TypeHash, name) {
		b.top().buf.Write(h[:])
	}
	return b
}

// WriteObjectAttachment appends a digest referencing an attached
// document.
func (b *Builder) WriteObjectAttachment(name string, h iohash.Hash) *Builder {
	if b.writeTag(TypeObjectAttachment, name) {
		b.top().buf.Write(h[:])
	}
	return b
}

// WriteBinaryAttachment appends a digest referencing an attached
// binary payload.
func (b *Builder) WriteBinaryAttachment(name string, h iohash.Hash) *Builder {
	if b.writeTag(TypeBinaryAttachment, name) {
		b.top().buf.Write(h[:])
	}
	return b
}

// Bytes finishes the document and returns its canonical encoding. All
// opened containers must be closed.
func (b *Builder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.stack) != 1 {
		return nil, fmt.Errorf("cb: %d unclosed containers", len(b.stack)-1)
	}
	root := b.top()
	out := make([]byte, 0, 1+binary.MaxVarintLen64+root.buf.Len())
	out = append(out, byte(TypeObject))
	var sizeBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(sizeBuf[:], uint64(root.buf.Len()))
	out = append(out, sizeBuf[:n]...)
	out = append(out, root.buf.Bytes()...)
	return out, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var raw [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(raw[:], v)
	buf.Write(raw[:n])
}
