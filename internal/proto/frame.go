package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	MaxFrameSize = 1 << 20
	MaxParts     = 64
)

var ErrShortMultipart = errors.New("short multipart frame")

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("payload too large")
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame size")
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}

// EncodeMultipart packs a frame list into a single transport frame:
// a part count followed by length-prefixed parts. Empty parts are legal.
func EncodeMultipart(parts [][]byte) ([]byte, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty multipart")
	}
	if len(parts) > MaxParts {
		return nil, fmt.Errorf("too many parts: %d", len(parts))
	}
	size := 2
	for _, p := range parts {
		size += 4 + len(p)
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("multipart too large")
	}
	out := make([]byte, 2, size)
	binary.BigEndian.PutUint16(out[:2], uint16(len(parts)))
	var tmp [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(tmp[:], uint32(len(p)))
		out = append(out, tmp[:]...)
		out = append(out, p...)
	}
	return out, nil
}

func DecodeMultipart(data []byte) ([][]byte, error) {
	if len(data) < 2 {
		return nil, ErrShortMultipart
	}
	n := int(binary.BigEndian.Uint16(data[:2]))
	if n == 0 || n > MaxParts {
		return nil, fmt.Errorf("invalid part count: %d", n)
	}
	rest := data[2:]
	parts := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if len(rest) < 4 {
			return nil, ErrShortMultipart
		}
		l := int(binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
		if l > len(rest) {
			return nil, ErrShortMultipart
		}
		part := make([]byte, l)
		copy(part, rest[:l])
		parts = append(parts, part)
		rest = rest[l:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("trailing bytes after multipart: %d", len(rest))
	}
	return parts, nil
}

func WriteMultipart(w io.Writer, parts [][]byte) error {
	data, err := EncodeMultipart(parts)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

func ReadMultipart(r io.Reader) ([][]byte, error) {
	data, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	return DecodeMultipart(data)
}
