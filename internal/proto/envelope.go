package proto

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strconv"
)

// MarkerEncrypted replaces the JSON payload when the real payload travels
// encrypted in the signature frame.
const MarkerEncrypted = "ENC1"

var ErrMalformedEnvelope = errors.New("malformed envelope")

var destPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

// Envelope is one bus message as an ordered list of frames:
//
//	route_0 .. route_n, "", destination, payload, [signature, [blob]]
//
// Everything after the separator is fixed at construction. Only the route
// may be replaced, when a reply has to retrace the path of a request.
type Envelope struct {
	frames [][]byte
	rpos   int
}

func ValidDest(dest string) bool {
	return destPattern.MatchString(dest)
}

func Parse(frames [][]byte) (*Envelope, error) {
	rpos := -1
	for i, f := range frames {
		if len(f) == 0 {
			rpos = i
			break
		}
	}
	if rpos < 0 {
		return nil, fmt.Errorf("%w: no route separator", ErrMalformedEnvelope)
	}
	if len(frames)-rpos-1 < 2 {
		return nil, fmt.Errorf("%w: missing destination or payload", ErrMalformedEnvelope)
	}
	dest := string(frames[rpos+1])
	if !ValidDest(dest) {
		return nil, fmt.Errorf("%w: invalid destination %q", ErrMalformedEnvelope, truncate(dest, 64))
	}
	out := make([][]byte, len(frames))
	copy(out, frames)
	return &Envelope{frames: out, rpos: rpos}, nil
}

// Build assembles an envelope. The signature frame is always emitted; the
// blob frame only when blob is non-nil.
func Build(dest string, payload, signature, blob []byte, route [][]byte) (*Envelope, error) {
	if !ValidDest(dest) {
		return nil, fmt.Errorf("%w: invalid destination %q", ErrMalformedEnvelope, truncate(dest, 64))
	}
	for _, r := range route {
		if len(r) == 0 {
			return nil, fmt.Errorf("%w: empty route frame", ErrMalformedEnvelope)
		}
	}
	n := len(route) + 4
	if blob != nil {
		n++
	}
	frames := make([][]byte, 0, n)
	frames = append(frames, route...)
	frames = append(frames, []byte{}, []byte(dest), payload)
	if signature == nil {
		signature = []byte{}
	}
	frames = append(frames, signature)
	if blob != nil {
		frames = append(frames, blob)
	}
	return &Envelope{frames: frames, rpos: len(route)}, nil
}

func (e *Envelope) Frames() [][]byte {
	out := make([][]byte, len(e.frames))
	copy(out, e.frames)
	return out
}

func (e *Envelope) Route() [][]byte {
	out := make([][]byte, e.rpos)
	copy(out, e.frames[:e.rpos])
	return out
}

// NonRoute returns the separator-less part after the route.
func (e *Envelope) NonRoute() [][]byte {
	out := make([][]byte, len(e.frames)-e.rpos-1)
	copy(out, e.frames[e.rpos+1:])
	return out
}

func (e *Envelope) Dest() string {
	return string(e.frames[e.rpos+1])
}

func (e *Envelope) Payload() []byte {
	return e.frames[e.rpos+2]
}

func (e *Envelope) Encrypted() bool {
	return bytes.Equal(e.Payload(), []byte(MarkerEncrypted))
}

func (e *Envelope) Signature() []byte {
	if e.rpos+3 >= len(e.frames) {
		return nil
	}
	return e.frames[e.rpos+3]
}

// Blob returns nil when the envelope carries no blob frame.
func (e *Envelope) Blob() []byte {
	if e.rpos+4 >= len(e.frames) {
		return nil
	}
	return e.frames[e.rpos+4]
}

func (e *Envelope) HasBlob() bool {
	return e.rpos+4 < len(e.frames)
}

func (e *Envelope) SetRoute(route [][]byte) {
	frames := make([][]byte, 0, len(route)+len(e.frames)-e.rpos)
	frames = append(frames, route...)
	frames = append(frames, e.frames[e.rpos:]...)
	e.frames = frames
	e.rpos = len(route)
}

func (e *Envelope) TakeRoute(other *Envelope) {
	e.SetRoute(other.Route())
}

// WithRoute returns a copy sharing the non-route frames.
func (e *Envelope) WithRoute(route [][]byte) *Envelope {
	c := &Envelope{frames: e.frames, rpos: e.rpos}
	c.SetRoute(route)
	return c
}

func (e *Envelope) Size() int {
	return FramesSize(e.frames)
}

func (e *Envelope) String() string {
	return fmt.Sprintf("Envelope(dest=%s route=%d size=%d)", e.Dest(), e.rpos, e.Size())
}

func FramesSize(frames [][]byte) int {
	n := 0
	for _, f := range frames {
		n += len(f)
	}
	return n
}

func RouteString(route [][]byte) string {
	var b bytes.Buffer
	for i, r := range route {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(strconv.Quote(truncate(string(r), 40)))
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
