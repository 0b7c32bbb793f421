package nio

import (
	"fmt"
	"strconv"
)

const delimiter = '&'

// FrameError reports a frame header that can never become valid.
type FrameError struct {
	Reason string
	Header string
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("bad frame header %q: %s", e.Header, e.Reason)
}

// Encode frames payload as "&" + len + "&" + payload.
func Encode(payload []byte) []byte {
	l := strconv.Itoa(len(payload))
	frame := make([]byte, 0, len(payload)+len(l)+2)
	frame = append(frame, delimiter)
	frame = append(frame, l...)
	frame = append(frame, delimiter)
	return append(frame, payload...)
}

// Decode extracts the single frame held in data.
func Decode(data []byte, maxSize int) ([]byte, error) {
	payload, n, err := parseFrame(data, maxSize)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, &FrameError{Reason: "incomplete frame", Header: header(data)}
	}
	if n != len(data) {
		return nil, &FrameError{Reason: fmt.Sprintf("%d trailing bytes", len(data)-n), Header: header(data)}
	}
	return payload, nil
}

// Decoder reassembles frames from arbitrarily fragmented reads.
type Decoder struct {
	buf []byte
	max int
}

func NewDecoder(maxSize int) *Decoder {
	return &Decoder{max: maxSize}
}

// Feed appends p and returns every frame it completes. After an error the
// stream is unusable and the buffered bytes are discarded.
func (d *Decoder) Feed(p []byte) ([][]byte, error) {
	d.buf = append(d.buf, p...)
	var frames [][]byte
	for len(d.buf) > 0 {
		payload, n, err := parseFrame(d.buf, d.max)
		if err != nil {
			d.buf = nil
			return frames, err
		}
		if n == 0 {
			break
		}
		frames = append(frames, payload)
		d.buf = d.buf[n:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return frames, nil
}

// Buffered is the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// parseFrame returns the payload and bytes consumed, or n == 0 when more
// input is needed.
func parseFrame(b []byte, max int) ([]byte, int, error) {
	if len(b) == 0 {
		return nil, 0, nil
	}
	if b[0] != delimiter {
		return nil, 0, &FrameError{Reason: "missing leading delimiter", Header: header(b)}
	}
	length := 0
	i := 1
	for ; i < len(b) && b[i] != delimiter; i++ {
		c := b[i]
		if c < '0' || c > '9' {
			return nil, 0, &FrameError{Reason: "non-digit in length", Header: header(b)}
		}
		length = length*10 + int(c-'0')
		if length > max {
			return nil, 0, &FrameError{Reason: fmt.Sprintf("length exceeds %d", max), Header: header(b)}
		}
	}
	if i == len(b) {
		return nil, 0, nil
	}
	if i == 1 {
		return nil, 0, &FrameError{Reason: "empty length", Header: header(b)}
	}
	start := i + 1
	if len(b)-start < length {
		return nil, 0, nil
	}
	payload := make([]byte, length)
	copy(payload, b[start:start+length])
	return payload, start + length, nil
}

func header(b []byte) string {
	if len(b) > 24 {
		b = b[:24]
	}
	return string(b)
}
