package stream

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	values := []any{
		nil,
		true,
		"hello",
		json.Number("42"),
		json.Number("-7"),
		[]any{"ping", json.Number("1"), []any{"x"}},
		map[string]any{"level": json.Number("20"), "msg": "started"},
	}

	for _, v := range values {
		b, err := Encode(v)
		require.NoError(t, err)
		got, err := Decode(b)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestReaderWriterOverPipe(t *testing.T) {
	r, w, err := Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	require.NoError(t, w.Write([]any{"ping", 1, []any{"x"}}))

	v, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, []any{"ping", json.Number("1"), []any{"x"}}, v)
}

func TestReaderShortHeader(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0x01, 0x02}))

	v, err := r.Read()
	assert.ErrorIs(t, err, ErrClosed)
	assert.Nil(t, v)
	assert.True(t, r.Closed())
}

func TestReaderShortPayload(t *testing.T) {
	var buf bytes.Buffer
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], 100)
	buf.Write(hdr[:])
	buf.WriteString("truncated")

	r := NewReader(&buf)
	_, err := r.Read()
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, r.Closed())
}

func TestReaderClosedIsSticky(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))

	for i := 0; i < 3; i++ {
		_, err := r.Read()
		assert.ErrorIs(t, err, ErrClosed)
	}
}

func TestReaderOversizedFrame(t *testing.T) {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], MaxFrameSize+1)

	r := NewReader(bytes.NewReader(hdr[:]))
	_, err := r.Read()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReaderMalformedPayloadKeepsChannelOpen(t *testing.T) {
	raw := []byte("{not json")
	var buf bytes.Buffer
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(raw)))
	buf.Write(hdr[:])
	buf.Write(raw)

	r := NewReader(&buf)
	v, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, raw, v)
	assert.False(t, r.Closed())
}

func TestWriterBrokenPipe(t *testing.T) {
	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	require.NoError(t, pr.Close())

	w := NewWriter(pw)
	defer w.Close()

	err = w.Write("anyone there?")
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, w.Closed())

	// Still closed on the next attempt.
	assert.ErrorIs(t, w.Write("hello?"), ErrClosed)
}

func TestWriterEncodeErrorDoesNotClose(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	err := w.Write(make(chan int))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrClosed)
	assert.False(t, w.Closed())
	assert.Zero(t, buf.Len())
}

func TestWriteCommand(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteCommand("complete", 7, []any{"deo"}))

	r := NewReader(&buf)
	cmd, err := ReadCommand(r)
	require.NoError(t, err)
	assert.Equal(t, "complete", cmd.Name)
	assert.Equal(t, int64(7), cmd.ID)
	assert.Equal(t, []any{"deo"}, cmd.Args)
}
