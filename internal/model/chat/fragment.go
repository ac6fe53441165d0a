package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Frame type tags used on the streaming socket.
const (
	FrameContent = "CONTENT"
	FrameDone    = "DONE"
)

var ErrMalformedFragment = errors.New("malformed fragment")

// FragmentKind tags a Fragment.
type FragmentKind int

const (
	FragmentContent FragmentKind = iota + 1
	FragmentDone
)

func (k FragmentKind) String() string {
	switch k {
	case FragmentContent:
		return "content"
	case FragmentDone:
		return "done"
	default:
		return "unknown"
	}
}

// Payload holds the data field of a frame, which is either text or an
// integer. The zero value is an empty payload.
type Payload struct {
	text     string
	number   int64
	isNumber bool
	present  bool
}

// TextPayload wraps a string payload.
func TextPayload(s string) Payload {
	return Payload{text: s, present: true}
}

// NumberPayload wraps an integer payload.
func NumberPayload(n int64) Payload {
	return Payload{number: n, isNumber: true, present: true}
}

// Text returns the string payload and whether the payload was a string.
func (p Payload) Text() (string, bool) {
	return p.text, p.present && !p.isNumber
}

// Number returns the integer payload and whether the payload was a number.
func (p Payload) Number() (int64, bool) {
	return p.number, p.isNumber
}

// Empty reports whether the frame carried no data at all.
func (p Payload) Empty() bool {
	return !p.present
}

// String renders the payload as transcript text.
func (p Payload) String() string {
	if p.isNumber {
		return strconv.FormatInt(p.number, 10)
	}
	return p.text
}

// Fragment is one inbound streaming unit.
type Fragment struct {
	Kind    FragmentKind
	Payload Payload
}

// ContentFragment builds a text content fragment.
func ContentFragment(text string) Fragment {
	return Fragment{Kind: FragmentContent, Payload: TextPayload(text)}
}

// DoneFragment builds a terminal fragment without data.
func DoneFragment() Fragment {
	return Fragment{Kind: FragmentDone}
}

type wireFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// DecodeFragment parses one inbound text frame. Unknown types, missing
// content data and data that is neither a string nor an integer yield
// ErrMalformedFragment. DONE tolerates any data shape.
func DecodeFragment(raw []byte) (Fragment, error) {
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return Fragment{}, fmt.Errorf("%w: %v", ErrMalformedFragment, err)
	}

	switch frame.Type {
	case FrameContent:
		payload, err := decodePayload(frame.Data)
		if err != nil {
			return Fragment{}, err
		}
		if payload.Empty() {
			return Fragment{}, fmt.Errorf("%w: content without data", ErrMalformedFragment)
		}
		return Fragment{Kind: FragmentContent, Payload: payload}, nil
	case FrameDone:
		payload, err := decodePayload(frame.Data)
		if err != nil {
			payload = Payload{}
		}
		return Fragment{Kind: FragmentDone, Payload: payload}, nil
	default:
		return Fragment{}, fmt.Errorf("%w: unknown type %q", ErrMalformedFragment, frame.Type)
	}
}

func decodePayload(data json.RawMessage) (Payload, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return Payload{}, nil
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Payload{}, fmt.Errorf("%w: %v", ErrMalformedFragment, err)
		}
		return TextPayload(s), nil
	}

	n, err := strconv.ParseInt(string(trimmed), 10, 64)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: data is neither string nor integer", ErrMalformedFragment)
	}
	return NumberPayload(n), nil
}

// EncodeFragment renders a fragment as a wire frame.
func EncodeFragment(f Fragment) ([]byte, error) {
	var frame struct {
		Type string `json:"type"`
		Data any    `json:"data"`
	}

	switch f.Kind {
	case FragmentContent:
		frame.Type = FrameContent
	case FragmentDone:
		frame.Type = FrameDone
	default:
		return nil, fmt.Errorf("cannot encode fragment kind %d", f.Kind)
	}

	if n, ok := f.Payload.Number(); ok {
		frame.Data = n
	} else if s, ok := f.Payload.Text(); ok {
		frame.Data = s
	}

	return json.Marshal(frame)
}
