package stream

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommandShapes(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    Command
	}{
		{
			name:    "null payload is a control signal",
			payload: nil,
			want:    Command{ID: IDControl},
		},
		{
			name:    "bare string is a zero-arg command",
			payload: "refresh",
			want:    Command{Name: "refresh", ID: IDBareName},
		},
		{
			name:    "two elements means no id",
			payload: []any{"complete", []any{"deo"}},
			want:    Command{Name: "complete", ID: IDNoID, Args: []any{"deo"}},
		},
		{
			name:    "three elements pass through",
			payload: []any{"complete", json.Number("12"), []any{"deo"}},
			want:    Command{Name: "complete", ID: 12, Args: []any{"deo"}},
		},
		{
			name:    "four elements are unparseable with raw payload",
			payload: []any{"complete", json.Number("12"), []any{"deo"}, "extra"},
			want: Command{ID: IDUnparseable, Args: []any{
				"complete", json.Number("12"), []any{"deo"}, "extra",
			}},
		},
		{
			name:    "non-string name is unparseable",
			payload: []any{json.Number("5"), json.Number("12"), nil},
			want:    Command{ID: IDUnparseable, Args: []any{json.Number("5"), json.Number("12"), nil}},
		},
		{
			name:    "non-numeric id is unparseable",
			payload: []any{"complete", "twelve", nil},
			want:    Command{ID: IDUnparseable, Args: []any{"complete", "twelve", nil}},
		},
		{
			name:    "non-sequence is invalid with raw payload",
			payload: json.Number("99"),
			want:    Command{ID: IDInvalid, Args: []any{json.Number("99")}},
		},
		{
			name:    "scalar args are wrapped",
			payload: []any{"complete", json.Number("3"), "deo"},
			want:    Command{Name: "complete", ID: 3, Args: []any{"deo"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCommand(tt.payload))
		})
	}
}

func TestReadCommandClosed(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	_, err := ReadCommand(r)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestIterMsgStopsOnClose(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteCommand("one", 1, nil))
	require.NoError(t, w.WriteCommand("two", 2, nil))
	// The buffer then runs dry, which reads as a closed channel.

	var got []Command
	for cmd := range IterMsg(NewReader(&buf)) {
		got = append(got, cmd)
	}

	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Name)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, "two", got[1].Name)
	assert.Equal(t, int64(2), got[1].ID)
}

func TestIterMsgEarlyBreak(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	for i := int64(1); i <= 5; i++ {
		require.NoError(t, w.WriteCommand("tick", i, nil))
	}

	r := NewReader(&buf)
	count := 0
	for range IterMsg(r) {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
	assert.False(t, r.Closed())
}
