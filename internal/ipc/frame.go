package ipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame is a decoded IPC message: a type tag plus its raw payload. Fixed-
// width integer payloads are big-endian on the wire (§6.1) but are exposed
// to callers via the typed accessors below rather than as raw bytes.
type Frame struct {
	Type    Type
	Payload []byte
}

// U8 decodes a TypeU8 frame's payload.
func (f Frame) U8() (uint8, error) {
	if f.Type != TypeU8 || len(f.Payload) != 1 {
		return 0, fmt.Errorf("%w: not a u8 frame", ErrBadType)
	}
	return f.Payload[0], nil
}

// I8 decodes a TypeI8 frame's payload.
func (f Frame) I8() (int8, error) {
	if f.Type != TypeI8 || len(f.Payload) != 1 {
		return 0, fmt.Errorf("%w: not an i8 frame", ErrBadType)
	}
	return int8(f.Payload[0]), nil
}

// U64 decodes a TypeU64 frame's payload.
func (f Frame) U64() (uint64, error) {
	if f.Type != TypeU64 || len(f.Payload) != 8 {
		return 0, fmt.Errorf("%w: not a u64 frame", ErrBadType)
	}
	return binary.BigEndian.Uint64(f.Payload), nil
}

// I64 decodes a TypeI64 frame's payload.
func (f Frame) I64() (int64, error) {
	if f.Type != TypeI64 || len(f.Payload) != 8 {
		return 0, fmt.Errorf("%w: not an i64 frame", ErrBadType)
	}
	return int64(binary.BigEndian.Uint64(f.Payload)), nil
}

// String decodes a TypeString frame's payload.
func (f Frame) String() (string, error) {
	if f.Type != TypeString {
		return "", fmt.Errorf("%w: not a string frame", ErrBadType)
	}
	return string(f.Payload), nil
}

// Data returns a TypeData frame's raw payload.
func (f Frame) Data() ([]byte, error) {
	if f.Type != TypeData {
		return nil, fmt.Errorf("%w: not a data frame", ErrBadType)
	}
	return f.Payload, nil
}

// Writer serializes frames onto an io.Writer per §6.1's wire layout.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer { return &Writer{w: w} }

func (w *Writer) writeHeader(t Type, length uint32) error {
	var hdr [HeaderSize]byte
	hdr[0] = byte(t)
	binary.BigEndian.PutUint32(hdr[1:], length)
	_, err := w.w.Write(hdr[:])
	return err
}

// WriteRaw writes an arbitrary type/payload pair. Callers normally use the
// typed helpers below; WriteRaw exists for the authed-frame outer envelope
// and for tests exercising malformed input.
func (w *Writer) WriteRaw(t Type, payload []byte) error {
	if err := w.writeHeader(t, uint32(len(payload))); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.w.Write(payload)
	return err
}

func (w *Writer) WriteU8(v uint8) error  { return w.WriteRaw(TypeU8, []byte{v}) }
func (w *Writer) WriteI8(v int8) error   { return w.WriteRaw(TypeI8, []byte{byte(v)}) }

func (w *Writer) WriteU64(v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return w.WriteRaw(TypeU64, b[:])
}

func (w *Writer) WriteI64(v int64) error {
	return w.WriteU64(uint64(v))
}

func (w *Writer) WriteString(s string) error {
	if len(s) > MaxDataLength {
		return ErrBadSize
	}
	return w.WriteRaw(TypeString, []byte(s))
}

func (w *Writer) WriteData(b []byte) error {
	if len(b) > MaxDataLength {
		return ErrBadSize
	}
	return w.WriteRaw(TypeData, b)
}

// Reader deserializes frames from an io.Reader, enforcing the per-type
// maximum length and exact-width rules of §6.1/§8.
type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader { return &Reader{r: r} }

// ReadFrame reads one frame. On a length violation it returns ErrBadSize
// without reading the (unbounded, untrusted) payload, per §8's boundary
// behavior. On EOF before any header byte is read, it returns ErrPeerClosed;
// a partial header or payload is ErrShortRead.
func (r *Reader) ReadFrame() (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r.r, hdr[:1]); err != nil {
		if err == io.EOF {
			return Frame{}, ErrPeerClosed
		}
		return Frame{}, fmt.Errorf("%w: %v", ErrShortRead, err)
	}
	if _, err := io.ReadFull(r.r, hdr[1:]); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrShortRead, err)
	}

	t := Type(hdr[0])
	length := binary.BigEndian.Uint32(hdr[1:])

	maxLen, ok := MaxLengthFor(t)
	if !ok {
		return Frame{}, fmt.Errorf("%w: tag %d", ErrBadType, hdr[0])
	}
	if length > maxLen {
		return Frame{}, fmt.Errorf("%w: length %d exceeds max %d for %s", ErrBadSize, length, maxLen, t)
	}
	if width, fixed := exactWidthFor(t); fixed && length != width {
		return Frame{}, fmt.Errorf("%w: %s requires exactly %d bytes, got %d", ErrBadSize, t, width, length)
	}
	if t == TypeAuthed && length < authedMinInner {
		// mac(16) + inner_type(4) + inner_length(4) at minimum.
		return Frame{}, fmt.Errorf("%w: authed frame too short", ErrBadSize)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r.r, payload); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrShortRead, err)
		}
	}
	return Frame{Type: t, Payload: payload}, nil
}
