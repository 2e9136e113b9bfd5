package wire

import (
	"bytes"
	"strings"

	"github.com/NicolasHaas/pirelay/pkg/model"
)

// Decoder turns an unaligned byte stream into messages. Reads from a socket do
// not respect record boundaries, so the trailing fragment of each chunk is
// kept until its newline arrives.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	pending   []byte
	discarded int
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes a chunk and returns the messages completed by it, in order.
func (d *Decoder) Feed(chunk []byte) []model.Message {
	d.pending = append(d.pending, chunk...)

	var out []model.Message
	for {
		i := bytes.IndexByte(d.pending, '\n')
		if i < 0 {
			break
		}
		line := string(d.pending[:i])
		d.pending = d.pending[i+1:]
		if msg, ok := DecodeLine(line); ok {
			out = append(out, msg)
		} else if strings.TrimSpace(line) != "" {
			d.discarded++
		}
	}

	if len(d.pending) > MaxRecordSize {
		d.pending = nil
		d.discarded++
	}
	if len(d.pending) == 0 {
		d.pending = nil
	}
	return out
}

// Buffered reports how many bytes of an incomplete record are held.
func (d *Decoder) Buffered() int {
	return len(d.pending)
}

// Discarded reports how many non-blank records were dropped as malformed or
// oversized.
func (d *Decoder) Discarded() int {
	return d.discarded
}
