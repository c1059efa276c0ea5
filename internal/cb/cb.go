// Package cb implements the compact binary document format used for
// cache references. A document is a single self-describing object made
// of named, typed fields; attachment fields carry 20-byte content
// digests pointing at blobs stored elsewhere.
//
// Parsing validates the whole structure up front and returns zero-copy
// views over the input buffer. Documents are immutable once parsed.
package cb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/owenlxu/bk-repo/internal/iohash"
)

// ErrMalformed is wrapped by every structural parse failure: truncated
// length prefixes, unknown field-type tags, nested payloads exceeding
// the enclosing buffer.
var ErrMalformed = errors.New("cb: malformed document")

// FieldType identifies the payload encoding of a field.
type FieldType uint8

// Field type tags. Wire constants: changing them breaks every stored
// document.
const (
	TypeNone             FieldType = 0x00
	TypeNull             FieldType = 0x01
	TypeObject           FieldType = 0x02
	TypeArray            FieldType = 0x03
	TypeBinary           FieldType = 0x04
	TypeString           FieldType = 0x05
	TypeIntegerPositive  FieldType = 0x06
	TypeIntegerNegative  FieldType = 0x07
	TypeFloat64          FieldType = 0x08
	TypeBoolFalse        FieldType = 0x09
	TypeBoolTrue         FieldType = 0x0a
	TypeObjectAttachment FieldType = 0x0b
	TypeBinaryAttachment FieldType = 0x0c
	TypeHash             FieldType = 0x0d
)

const (
	typeMask    = 0x3f
	flagHasName = 0x40
)

// String returns the lower-case tag name.
func (t FieldType) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeNull:
		return "null"
	case TypeObject:
		return "object"
	case TypeArray:
		return "array"
	case TypeBinary:
		return "binary"
	case TypeString:
		return "string"
	case TypeIntegerPositive:
		return "integer+"
	case TypeIntegerNegative:
		return "integer-"
	case TypeFloat64:
		return "float64"
	case TypeBoolFalse:
		return "false"
	case TypeBoolTrue:
		return "true"
	case TypeObjectAttachment:
		return "object-attachment"
	case TypeBinaryAttachment:
		return "binary-attachment"
	case TypeHash:
		return "hash"
	default:
		return fmt.Sprintf("unknown(0x%02x)", uint8(t))
	}
}

func validType(t FieldType) bool {
	return t >= TypeNull && t <= TypeHash
}

// Field is a view over one encoded field. The payload slice references
// the document buffer; callers must not mutate it.
type Field struct {
	name    string
	typ     FieldType
	payload []byte
}

// Name returns the field name, empty for unnamed fields.
func (f Field) Name() string { return f.name }

// Type returns the field type tag.
func (f Field) Type() FieldType { return f.typ }

// IsAttachment reports whether the field references a blob by digest.
func (f Field) IsAttachment() bool {
	return f.typ == TypeObjectAttachment || f.typ == TypeBinaryAttachment
}

// IsBinaryAttachment reports whether the field is a binary payload
// attachment, the subtype eligible for inlined delivery.
func (f Field) IsBinaryAttachment() bool {
	return f.typ == TypeBinaryAttachment
}

// AsHash returns the digest payload of hash and attachment fields.
func (f Field) AsHash() (iohash.Hash, error) {
	switch f.typ {
	case TypeHash, TypeObjectAttachment, TypeBinaryAttachment:
		return iohash.FromBytes(f.payload)
	default:
		return iohash.Zero, fmt.Errorf("cb: field %q is %s, not a hash", f.name, f.typ)
	}
}

// AsObject parses the nested object payload. The payload was bounds
// checked during the outer parse, so this re-walk cannot fail on a
// document accepted by ParseObject; the error path guards direct use
// on arbitrary fields.
func (f Field) AsObject() (Object, error) {
	if f.typ != TypeObject {
		return Object{}, fmt.Errorf("cb: field %q is %s, not an object", f.name, f.typ)
	}
	fields, err := parseFields(f.payload)
	if err != nil {
		return Object{}, err
	}
	return Object{payload: f.payload, fields: fields}, nil
}

// AsString returns the string payload.
func (f Field) AsString() (string, error) {
	if f.typ != TypeString {
		return "", fmt.Errorf("cb: field %q is %s, not a string", f.name, f.typ)
	}
	return string(f.payload), nil
}

// AsBinary returns the raw binary payload.
func (f Field) AsBinary() ([]byte, error) {
	if f.typ != TypeBinary {
		return nil, fmt.Errorf("cb: field %q is %s, not binary", f.name, f.typ)
	}
	return f.payload, nil
}

// AsInt returns the integer payload.
func (f Field) AsInt() (int64, error) {
	switch f.typ {
	case TypeIntegerPositive:
		v, _ := binary.Uvarint(f.payload)
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("cb: field %q overflows int64", f.name)
		}
		return int64(v), nil
	case TypeIntegerNegative:
		v, _ := binary.Uvarint(f.payload)
		if v > math.MaxInt64 {
			return 0, fmt.Errorf("cb: field %q overflows int64", f.name)
		}
		return -int64(v) - 1, nil
	default:
		return 0, fmt.Errorf("cb: field %q is %s, not an integer", f.name, f.typ)
	}
}

// AsFloat returns the float payload.
func (f Field) AsFloat() (float64, error) {
	if f.typ != TypeFloat64 {
		return 0, fmt.Errorf("cb: field %q is %s, not a float", f.name, f.typ)
	}
	return math.Float64frombits(binary.BigEndian.Uint64(f.payload)), nil
}

// AsBool returns the boolean value.
func (f Field) AsBool() (bool, error) {
	switch f.typ {
	case TypeBoolTrue:
		return true, nil
	case TypeBoolFalse:
		return false, nil
	default:
		return false, fmt.Errorf("cb: field %q is %s, not a bool", f.name, f.typ)
	}
}

// Object is an immutable view over an encoded document or nested
// object.
type Object struct {
	raw     []byte // full encoding including the object tag; nil for nested views
	payload []byte // field region
	fields  []Field
}

// ParseObject validates buf as a complete document: exactly one
// unnamed top-level object with no trailing bytes. All nested
// structures are bounds checked; the returned Object shares buf.
func ParseObject(buf []byte) (Object, error) {
	if len(buf) == 0 {
		return Object{}, fmt.Errorf("empty input: %w", ErrMalformed)
	}
	tag := buf[0]
	if FieldType(tag&typeMask) != TypeObject || tag&flagHasName != 0 {
		return Object{}, fmt.Errorf("top-level tag 0x%02x is not an unnamed object: %w", tag, ErrMalformed)
	}
	size, n := binary.Uvarint(buf[1:])
	if n <= 0 {
		return Object{}, fmt.Errorf("truncated object size: %w", ErrMalformed)
	}
	payloadStart := 1 + n
	if size > uint64(len(buf)-payloadStart) {
		return Object{}, fmt.Errorf("object size %d exceeds buffer: %w", size, ErrMalformed)
	}
	payloadEnd := payloadStart + int(size)
	if payloadEnd != len(buf) {
		return Object{}, fmt.Errorf("%d trailing bytes after document: %w", len(buf)-payloadEnd, ErrMalformed)
	}
	payload := buf[payloadStart:payloadEnd]
	fields, err := parseFields(payload)
	if err != nil {
		return Object{}, err
	}
	return Object{raw: buf, payload: payload, fields: fields}, nil
}

// Encode returns the canonical document bytes. For parsed documents
// this is the exact input buffer; for nested object views the
// enclosing tag and size prefix are reconstructed.
func (o Object) Encode() []byte {
	if o.raw != nil {
		return o.raw
	}
	var sizeBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(sizeBuf[:], uint64(len(o.payload)))
	out := make([]byte, 0, 1+n+len(o.payload))
	out = append(out, byte(TypeObject))
	out = append(out, sizeBuf[:n]...)
	out = append(out, o.payload...)
	return out
}

// Payload returns the raw field region without the object envelope.
func (o Object) Payload() []byte { return o.payload }

// Fields returns the top-level fields in document order.
func (o Object) Fields() []Field { return o.fields }

// Field looks up a top-level field by name.
func (o Object) Field(name string) (Field, bool) {
	for _, f := range o.fields {
		if f.name == name {
			return f, true
		}
	}
	return Field{}, false
}

// IterateAttachments walks the document depth-first, descending into
// nested objects and arrays, and calls fn for every attachment field
// in document order. Iteration stops on the first error.
func (o Object) IterateAttachments(fn func(Field) error) error {
	return iterateAttachments(o.fields, fn)
}

func iterateAttachments(fields []Field, fn func(Field) error) error {
	for _, f := range fields {
		switch f.typ {
		case TypeObjectAttachment, TypeBinaryAttachment:
			if err := fn(f); err != nil {
				return err
			}
		case TypeObject:
			nested, err := parseFields(f.payload)
			if err != nil {
				return err
			}
			if err := iterateAttachments(nested, fn); err != nil {
				return err
			}
		case TypeArray:
			elems, err := parseArrayElements(f.payload)
			if err != nil {
				return err
			}
			if err := iterateAttachments(elems, fn); err != nil {
				return err
			}
		}
	}
	return nil
}

// HasAttachments reports whether any attachment field exists anywhere
// in the document.
func (o Object) HasAttachments() bool {
	found := errors.New("found")
	err := o.IterateAttachments(func(Field) error { return found })
	return errors.Is(err, found)
}

// parseFields walks a field region and returns every field, validating
// tags and bounds. Nested containers are bounds checked here and
// re-walked on demand by the iteration helpers.
func parseFields(buf []byte) ([]Field, error) {
	var fields []Field
	for len(buf) > 0 {
		field, rest, err := parseField(buf, true)
		if err != nil {
			return nil, err
		}
		fields = append(fields, field)
		buf = rest
	}
	return fields, nil
}

func parseField(buf []byte, named bool) (Field, []byte, error) {
	tag := buf[0]
	typ := FieldType(tag & typeMask)
	if !validType(typ) {
		return Field{}, nil, fmt.Errorf("unknown field type 0x%02x: %w", tag, ErrMalformed)
	}
	if tag&^(typeMask|flagHasName) != 0 {
		return Field{}, nil, fmt.Errorf("reserved tag bits set in 0x%02x: %w", tag, ErrMalformed)
	}
	buf = buf[1:]

	var name string
	if tag&flagHasName != 0 {
		if !named {
			return Field{}, nil, fmt.Errorf("named field inside array: %w", ErrMalformed)
		}
		nameLen, n := binary.Uvarint(buf)
		if n <= 0 || nameLen > uint64(len(buf)-n) {
			return Field{}, nil, fmt.Errorf("truncated field name: %w", ErrMalformed)
		}
		raw := buf[n : n+int(nameLen)]
		if !utf8.Valid(raw) {
			return Field{}, nil, fmt.Errorf("field name is not valid UTF-8: %w", ErrMalformed)
		}
		name = string(raw)
		buf = buf[n+int(nameLen):]
	}

	payload, rest, err := parsePayload(typ, buf)
	if err != nil {
		return Field{}, nil, err
	}
	return Field{name: name, typ: typ, payload: payload}, rest, nil
}

func parsePayload(typ FieldType, buf []byte) (payload, rest []byte, err error) {
	switch typ {
	case TypeNull, TypeBoolFalse, TypeBoolTrue:
		return nil, buf, nil
	case TypeIntegerPositive, TypeIntegerNegative:
		_, n := binary.Uvarint(buf)
		if n <= 0 {
			return nil, nil, fmt.Errorf("truncated integer: %w", ErrMalformed)
		}
		return buf[:n], buf[n:], nil
	case TypeFloat64:
		if len(buf) < 8 {
			return nil, nil, fmt.Errorf("truncated float64: %w", ErrMalformed)
		}
		return buf[:8], buf[8:], nil
	case TypeString, TypeBinary:
		length, n := binary.Uvarint(buf)
		if n <= 0 || length > uint64(len(buf)-n) {
			return nil, nil, fmt.Errorf("truncated %s payload: %w", typ, ErrMalformed)
		}
		return buf[n : n+int(length)], buf[n+int(length):], nil
	case TypeObject:
		size, n := binary.Uvarint(buf)
		if n <= 0 || size > uint64(len(buf)-n) {
			return nil, nil, fmt.Errorf("object bounds exceed buffer: %w", ErrMalformed)
		}
		payload = buf[n : n+int(size)]
		// Validate nested structure eagerly so a parsed document
		// can be walked without further structural errors.
		if _, err := parseFields(payload); err != nil {
			return nil, nil, err
		}
		return payload, buf[n+int(size):], nil
	case TypeArray:
		size, n := binary.Uvarint(buf)
		if n <= 0 || size > uint64(len(buf)-n) {
			return nil, nil, fmt.Errorf("array bounds exceed buffer: %w", ErrMalformed)
		}
		payload = buf[n : n+int(size)]
		if _, err := parseArrayElements(payload); err != nil {
			return nil, nil, err
		}
		return payload, buf[n+int(size):], nil
	case TypeHash, TypeObjectAttachment, TypeBinaryAttachment:
		if len(buf) < iohash.Size {
			return nil, nil, fmt.Errorf("truncated digest payload: %w", ErrMalformed)
		}
		return buf[:iohash.Size], buf[iohash.Size:], nil
	default:
		return nil, nil, fmt.Errorf("unknown field type %s: %w", typ, ErrMalformed)
	}
}

// parseArrayElements decodes an array payload: element count followed
// by that many unnamed fields.
func parseArrayElements(buf []byte) ([]Field, error) {
	count, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, fmt.Errorf("truncated array count: %w", ErrMalformed)
	}
	buf = buf[n:]
	elems := make([]Field, 0, count)
	for i := uint64(0); i < count; i++ {
		if len(buf) == 0 {
			return nil, fmt.Errorf("array count %d exceeds payload: %w", count, ErrMalformed)
		}
		field, rest, err := parseField(buf, false)
		if err != nil {
			return nil, err
		}
		elems = append(elems, field)
		buf = rest
	}
	if len(buf) != 0 {
		return nil, fmt.Errorf("%d trailing bytes after array elements: %w", len(buf), ErrMalformed)
	}
	return elems, nil
}
