package worker

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	payload, err := json.Marshal(map[string]any{"name": "/ds#block"})
	require.NoError(t, err)

	require.NoError(t, enc.Encode(Record{Tag: TagUpdate, ObjectKind: "block", Payload: payload}))
	require.NoError(t, enc.Encode(Record{Tag: TagEOM}))

	dec := NewDecoder(&buf)

	rec, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TagUpdate, rec.Tag)
	assert.Equal(t, "block", rec.ObjectKind)
	assert.JSONEq(t, `{"name":"/ds#block"}`, string(rec.Payload))

	rec, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TagEOM, rec.Tag)
}

func TestDecodeEOFOnEmptyStream(t *testing.T) {
	dec := NewDecoder(bytes.NewReader(nil))
	_, err := dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeTruncatedBodyErrors(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(Record{Tag: TagDelete, ObjectKind: "dataset"}))

	full := buf.Bytes()
	truncated := full[:len(full)-1]

	dec := NewDecoder(bytes.NewReader(truncated))
	_, err := dec.Decode()
	assert.Error(t, err)
}
