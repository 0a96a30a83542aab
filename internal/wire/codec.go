package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/google/uuid"
)

// Frame header layout (16 bytes, big-endian):
//
//	0  ..1   Code   u16
//	2  ..3   Flags  u16
//	4  ..7   Size   u32  total frame size including the header
//	8  ..11  ID     u32
//	12 ..15  Count  u32  number of fields, or payload length for binary frames
const headerSize = 16

const (
	FlagControl   uint16 = 0x0001
	FlagBinary    uint16 = 0x0002
	FlagEndOfFile uint16 = 0x0004
)

// Default size ceilings.
const (
	DefaultSmallFrameSize = 256 * 1024
	DefaultMaxFrameSize   = 16 * 1024 * 1024
	DefaultChunkSize      = 64 * 1024
)

var (
	// ErrFrameTooLarge is fatal for the stream: the remaining bytes of the
	// frame are not consumed and the framing cannot be recovered.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
	ErrBadFrame      = errors.New("malformed frame")
	ErrMixedFrame    = errors.New("message carries both fields and payload")
)

// Encode serializes m into a single frame. It never performs I/O.
func Encode(m *Message) ([]byte, error) {
	if m.Binary {
		if len(m.Fields) > 0 {
			return nil, ErrMixedFrame
		}
		buf := make([]byte, headerSize+len(m.Payload))
		putHeader(buf, m, uint32(len(m.Payload)))
		copy(buf[headerSize:], m.Payload)
		return buf, nil
	}
	if len(m.Payload) > 0 {
		return nil, ErrMixedFrame
	}

	tags := make([]Tag, 0, len(m.Fields))
	for tag := range m.Fields {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	buf := make([]byte, headerSize, headerSize+64*len(tags))
	for _, tag := range tags {
		var err error
		buf, err = appendField(buf, tag, m.Fields[tag])
		if err != nil {
			return nil, err
		}
	}
	putHeader(buf, m, uint32(len(tags)))
	return buf, nil
}

func putHeader(buf []byte, m *Message, count uint32) {
	var flags uint16
	if m.Control {
		flags |= FlagControl
	}
	if m.Binary {
		flags |= FlagBinary
	}
	if m.EndOfFile {
		flags |= FlagEndOfFile
	}
	binary.BigEndian.PutUint16(buf[0:2], uint16(m.Code))
	binary.BigEndian.PutUint16(buf[2:4], flags)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(buf)))
	binary.BigEndian.PutUint32(buf[8:12], m.ID)
	binary.BigEndian.PutUint32(buf[12:16], count)
}

func appendField(buf []byte, tag Tag, v Value) ([]byte, error) {
	buf = binary.BigEndian.AppendUint32(buf, uint32(tag))
	buf = append(buf, byte(v.Type))
	switch v.Type {
	case TypeInt32:
		buf = binary.BigEndian.AppendUint32(buf, uint32(v.Int32))
	case TypeInt64:
		buf = binary.BigEndian.AppendUint64(buf, uint64(v.Int64))
	case TypeString:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.Str)))
		buf = append(buf, v.Str...)
	case TypeUUID:
		buf = append(buf, v.UUID[:]...)
	case TypeBinary:
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(v.Bin)))
		buf = append(buf, v.Bin...)
	default:
		return nil, fmt.Errorf("field %d: unknown type %d", tag, v.Type)
	}
	return buf, nil
}

// Decoder reads frames from a stream. Field frames are held to the small
// ceiling, binary frames to the large one. The read buffer starts small and
// grows on demand.
type Decoder struct {
	r        io.Reader
	header   [headerSize]byte
	buf      []byte
	smallMax int
	largeMax int
}

// NewDecoder creates a Decoder. Non-positive limits select the defaults.
func NewDecoder(r io.Reader, smallMax, largeMax int) *Decoder {
	if smallMax <= 0 {
		smallMax = DefaultSmallFrameSize
	}
	if largeMax <= 0 {
		largeMax = DefaultMaxFrameSize
	}
	if smallMax > largeMax {
		smallMax = largeMax
	}
	return &Decoder{r: r, buf: make([]byte, 4096), smallMax: smallMax, largeMax: largeMax}
}

// Decode reads exactly one frame. io.EOF is returned when the stream ends on
// a frame boundary.
func (d *Decoder) Decode() (*Message, error) {
	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		return nil, err
	}
	code := Code(binary.BigEndian.Uint16(d.header[0:2]))
	flags := binary.BigEndian.Uint16(d.header[2:4])
	size := binary.BigEndian.Uint32(d.header[4:8])
	id := binary.BigEndian.Uint32(d.header[8:12])
	count := binary.BigEndian.Uint32(d.header[12:16])

	if size < headerSize {
		return nil, fmt.Errorf("%w: size %d", ErrBadFrame, size)
	}
	limit := d.smallMax
	if flags&FlagBinary != 0 {
		limit = d.largeMax
	}
	if uint64(size) > uint64(limit) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, limit)
	}

	bodyLen := int(size) - headerSize
	if bodyLen > cap(d.buf) {
		d.buf = make([]byte, bodyLen)
	}
	body := d.buf[:bodyLen]
	if _, err := io.ReadFull(d.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	m := &Message{
		Code:      code,
		ID:        id,
		Control:   flags&FlagControl != 0,
		Binary:    flags&FlagBinary != 0,
		EndOfFile: flags&FlagEndOfFile != 0,
	}
	if m.Binary {
		if int(count) != bodyLen {
			return nil, fmt.Errorf("%w: payload length %d, frame body %d", ErrBadFrame, count, bodyLen)
		}
		if bodyLen > 0 {
			m.Payload = append([]byte(nil), body...)
		}
		return m, nil
	}

	fields, err := decodeFields(body, count)
	if err != nil {
		return nil, err
	}
	m.Fields = fields
	return m, nil
}

func decodeFields(body []byte, count uint32) (map[Tag]Value, error) {
	// Each field needs at least 5 bytes, which bounds count before allocating.
	if uint64(count)*5 > uint64(len(body)) {
		return nil, fmt.Errorf("%w: %d fields in %d bytes", ErrBadFrame, count, len(body))
	}
	fields := make(map[Tag]Value, count)
	pos := 0
	need := func(n int) error {
		if pos+n > len(body) {
			return fmt.Errorf("%w: truncated field at offset %d", ErrBadFrame, pos)
		}
		return nil
	}
	for i := uint32(0); i < count; i++ {
		if err := need(5); err != nil {
			return nil, err
		}
		tag := Tag(binary.BigEndian.Uint32(body[pos:]))
		typ := FieldType(body[pos+4])
		pos += 5

		var v Value
		v.Type = typ
		switch typ {
		case TypeInt32:
			if err := need(4); err != nil {
				return nil, err
			}
			v.Int32 = int32(binary.BigEndian.Uint32(body[pos:]))
			pos += 4
		case TypeInt64:
			if err := need(8); err != nil {
				return nil, err
			}
			v.Int64 = int64(binary.BigEndian.Uint64(body[pos:]))
			pos += 8
		case TypeString, TypeBinary:
			if err := need(4); err != nil {
				return nil, err
			}
			n := int(binary.BigEndian.Uint32(body[pos:]))
			pos += 4
			if n < 0 {
				return nil, fmt.Errorf("%w: negative length", ErrBadFrame)
			}
			if err := need(n); err != nil {
				return nil, err
			}
			if typ == TypeString {
				v.Str = string(body[pos : pos+n])
			} else {
				v.Bin = append([]byte{}, body[pos:pos+n]...)
			}
			pos += n
		case TypeUUID:
			if err := need(16); err != nil {
				return nil, err
			}
			v.UUID = uuid.UUID(body[pos : pos+16])
			pos += 16
		default:
			return nil, fmt.Errorf("%w: field %d has unknown type %d", ErrBadFrame, tag, typ)
		}
		fields[tag] = v
	}
	if pos != len(body) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadFrame, len(body)-pos)
	}
	return fields, nil
}
