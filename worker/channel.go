// Package worker spawns and supervises the child OS processes that run
// user-submitted actions, and carries their mutation feedback back to the
// scheduler over a pipe-backed channel.
package worker

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Tag discriminates a mutation-channel record.
type Tag int

const (
	// TagUpdate carries an upserted object.
	TagUpdate Tag = iota
	// TagDelete carries a removed object's identity.
	TagDelete
	// TagEOM marks the end of a worker's mutation stream.
	TagEOM
)

// Record is one wire message produced by a write-enabled worker: an
// UPDATE or DELETE carrying a JSON-encoded object, or an EOM with no
// payload. ObjectKind names the concrete type so the receiver can unmarshal
// into the right Go type; the scheduler decodes "dataset", "block", "site"
// and "replica" and rejects any other kind, including files.
type Record struct {
	Tag        Tag             `json:"tag"`
	ObjectKind string          `json:"kind,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Encoder writes length-prefixed JSON records to a pipe, in the framing a
// write-enabled child writes to its mutation pipe (fd 3).
type Encoder struct {
	w io.Writer
}

// NewEncoder wraps w (typically the write end of the mutation pipe).
func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

// Encode writes one record as a 4-byte big-endian length prefix followed by
// its JSON encoding.
func (e *Encoder) Encode(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling mutation record: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := e.w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing mutation record length: %w", err)
	}
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("writing mutation record body: %w", err)
	}
	return nil
}

// Decoder reads length-prefixed JSON records from a pipe.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps r (typically the read end of the mutation pipe).
func NewDecoder(r io.Reader) *Decoder { return &Decoder{r: bufio.NewReader(r)} }

// Decode reads the next record, blocking until one is available. Returns
// io.EOF when the pipe is closed before another record starts (for example
// a worker that exited without sending EOM); the pump then closes Records,
// which ends the scheduler's drain without waiting for its timeout.
func (d *Decoder) Decode() (Record, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
		return Record{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(d.r, body); err != nil {
		return Record{}, fmt.Errorf("reading mutation record body: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return Record{}, fmt.Errorf("unmarshaling mutation record: %w", err)
	}
	return rec, nil
}
