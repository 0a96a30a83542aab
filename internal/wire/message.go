// Package wire implements the binary framing used between the report server
// and the core server: typed-field messages and chunked file transfers.
package wire

import (
	"github.com/google/uuid"
)

// FieldType is the on-wire type of a field value.
type FieldType uint8

const (
	TypeInt32  FieldType = 1
	TypeInt64  FieldType = 2
	TypeString FieldType = 3
	TypeUUID   FieldType = 4
	TypeBinary FieldType = 5
)

// Value is a single typed field value. Only the member matching Type is meaningful.
type Value struct {
	Type  FieldType
	Int32 int32
	Int64 int64
	Str   string
	UUID  uuid.UUID
	Bin   []byte
}

// Message is one decoded frame. A message carries either Fields or Payload,
// never both.
type Message struct {
	Code      Code
	ID        uint32
	Control   bool
	Binary    bool
	EndOfFile bool
	Fields    map[Tag]Value
	Payload   []byte
}

// NewMessage creates an empty field-carrying message.
func NewMessage(code Code, id uint32) *Message {
	return &Message{Code: code, ID: id, Fields: make(map[Tag]Value)}
}

// NewReply creates a REQUEST_COMPLETED message answering req with rc.
func NewReply(req *Message, rc ResultCode) *Message {
	m := NewMessage(CodeRequestCompleted, req.ID)
	m.SetInt32(TagResultCode, int32(rc))
	return m
}

func (m *Message) set(tag Tag, v Value) {
	if m.Fields == nil {
		m.Fields = make(map[Tag]Value)
	}
	m.Fields[tag] = v
}

func (m *Message) SetInt32(tag Tag, v int32)    { m.set(tag, Value{Type: TypeInt32, Int32: v}) }
func (m *Message) SetInt64(tag Tag, v int64)    { m.set(tag, Value{Type: TypeInt64, Int64: v}) }
func (m *Message) SetString(tag Tag, v string)  { m.set(tag, Value{Type: TypeString, Str: v}) }
func (m *Message) SetUUID(tag Tag, v uuid.UUID) { m.set(tag, Value{Type: TypeUUID, UUID: v}) }
func (m *Message) SetBinary(tag Tag, v []byte)  { m.set(tag, Value{Type: TypeBinary, Bin: v}) }
func (m *Message) SetBool(tag Tag, v bool)      { m.SetInt32(tag, boolToInt32(v)) }

// Has reports whether the message carries a field with the given tag.
func (m *Message) Has(tag Tag) bool {
	_, ok := m.Fields[tag]
	return ok
}

// ResultCode returns the result code of a reply.
func (m *Message) ResultCode() ResultCode {
	return ResultCode(m.Int32(TagResultCode))
}

// Int32 returns the field as int32, converting from int64 when needed.
// Missing or non-numeric fields yield 0.
func (m *Message) Int32(tag Tag) int32 {
	v, ok := m.Fields[tag]
	if !ok {
		return 0
	}
	switch v.Type {
	case TypeInt32:
		return v.Int32
	case TypeInt64:
		return int32(v.Int64)
	}
	return 0
}

// Int64 returns the field as int64, widening int32 values.
func (m *Message) Int64(tag Tag) int64 {
	v, ok := m.Fields[tag]
	if !ok {
		return 0
	}
	switch v.Type {
	case TypeInt64:
		return v.Int64
	case TypeInt32:
		return int64(v.Int32)
	}
	return 0
}

// Bool reports whether the numeric field is non-zero.
func (m *Message) Bool(tag Tag) bool {
	return m.Int64(tag) != 0
}

// Text returns a string field; binary fields are returned as text.
func (m *Message) Text(tag Tag) string {
	v, ok := m.Fields[tag]
	if !ok {
		return ""
	}
	switch v.Type {
	case TypeString:
		return v.Str
	case TypeBinary:
		return string(v.Bin)
	}
	return ""
}

// UUID returns a UUID field. String fields holding a UUID are parsed.
func (m *Message) UUID(tag Tag) uuid.UUID {
	v, ok := m.Fields[tag]
	if !ok {
		return uuid.Nil
	}
	switch v.Type {
	case TypeUUID:
		return v.UUID
	case TypeString:
		if id, err := uuid.Parse(v.Str); err == nil {
			return id
		}
	}
	return uuid.Nil
}

// Bytes returns a binary field, or the bytes of a string field.
func (m *Message) Bytes(tag Tag) []byte {
	v, ok := m.Fields[tag]
	if !ok {
		return nil
	}
	switch v.Type {
	case TypeBinary:
		return v.Bin
	case TypeString:
		return []byte(v.Str)
	}
	return nil
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
