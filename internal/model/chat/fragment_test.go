package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeFragment(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		kind     FragmentKind
		text     string
		number   int64
		isNumber bool
	}{
		{name: "content text", raw: `{"type":"CONTENT","data":"Hello"}`, kind: FragmentContent, text: "Hello"},
		{name: "content empty string", raw: `{"type":"CONTENT","data":""}`, kind: FragmentContent, text: ""},
		{name: "content integer", raw: `{"type":"CONTENT","data":42}`, kind: FragmentContent, number: 42, isNumber: true},
		{name: "done integer", raw: `{"type":"DONE","data":1007}`, kind: FragmentDone, number: 1007, isNumber: true},
		{name: "done without data", raw: `{"type":"DONE"}`, kind: FragmentDone},
		{name: "done with object data", raw: `{"type":"DONE","data":{"x":1}}`, kind: FragmentDone},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := DecodeFragment([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.kind, f.Kind)

			n, isNumber := f.Payload.Number()
			assert.Equal(t, tc.isNumber, isNumber)
			if tc.isNumber {
				assert.Equal(t, tc.number, n)
				return
			}
			if tc.kind == FragmentContent {
				text, ok := f.Payload.Text()
				assert.True(t, ok)
				assert.Equal(t, tc.text, text)
			}
		})
	}
}

func TestDecodeFragmentRejectsMalformedFrames(t *testing.T) {
	frames := []string{
		`not json`,
		`{"type":"DELTA","data":"x"}`,
		`{"type":"CONTENT"}`,
		`{"type":"CONTENT","data":null}`,
		`{"type":"CONTENT","data":1.5}`,
		`{"type":"CONTENT","data":["a"]}`,
		`{"data":"orphan"}`,
	}

	for _, raw := range frames {
		_, err := DecodeFragment([]byte(raw))
		assert.ErrorIs(t, err, ErrMalformedFragment, raw)
	}
}

func TestPayloadStringKeepsIntegerDistinct(t *testing.T) {
	p := NumberPayload(7)
	_, isText := p.Text()
	assert.False(t, isText)
	assert.Equal(t, "7", p.String())
	assert.True(t, Payload{}.Empty())
}

func TestEncodeFragmentRoundTrip(t *testing.T) {
	raw, err := EncodeFragment(ContentFragment("hi"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"CONTENT","data":"hi"}`, string(raw))

	raw, err = EncodeFragment(Fragment{Kind: FragmentDone, Payload: NumberPayload(9)})
	require.NoError(t, err)
	f, err := DecodeFragment(raw)
	require.NoError(t, err)
	n, ok := f.Payload.Number()
	assert.True(t, ok)
	assert.Equal(t, int64(9), n)
}

func TestNewRequestOmitsZeroSession(t *testing.T) {
	raw, err := json.Marshal(NewRequest("default", "hello", 0))
	require.NoError(t, err)
	assert.JSONEq(t, `{"modelType":"default","message":"hello"}`, string(raw))

	raw, err = json.Marshal(NewRequest("default", "hello", 12))
	require.NoError(t, err)
	assert.JSONEq(t, `{"modelType":"default","message":"hello","sessionId":12}`, string(raw))
}
