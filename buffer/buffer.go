// Package buffer implements Reticulum's Buffer abstraction (§4.8): a
// bidirectional io.ReadWriteCloser built on top of a Channel's
// StreamDataMessage type, so application code can treat a Link like an
// ordinary byte stream (including bufio line-delimited reads) instead of
// handling Envelopes directly. Grounded on stream/stream.go, which wraps
// Tor's edge-stream cell exchange in the same io.ReadWriteCloser shape.
package buffer

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/torlando-tech/microreticulum-go/channel"
)

// maxChunkSize bounds a single StreamDataMessage payload so it always
// fits within one Envelope's 16-bit length field.
const maxChunkSize = 0xFFFF - channel.EnvelopeHeaderLen

// ErrClosed is returned by Read/Write once the Buffer has been closed.
var ErrClosed = errors.New("buffer: closed")

// RawChannelReader accumulates inbound StreamDataMessage payloads and
// exposes them through io.Reader, blocking callers until data arrives or
// the reader is closed.
type RawChannelReader struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	closed bool
}

// NewRawChannelReader creates an empty reader.
func NewRawChannelReader() *RawChannelReader {
	r := &RawChannelReader{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Feed appends newly received bytes, waking any blocked Read.
func (r *RawChannelReader) Feed(chunk []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.data = append(r.data, chunk...)
	r.cond.Broadcast()
}

// Read implements io.Reader, blocking until at least one byte is
// available or the reader is closed with no data left.
func (r *RawChannelReader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.data) == 0 && !r.closed {
		r.cond.Wait()
	}
	if len(r.data) == 0 && r.closed {
		return 0, io.EOF
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

// Close marks the reader closed, releasing any blocked Read once
// buffered data is drained.
func (r *RawChannelReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.cond.Broadcast()
	return nil
}

// RawChannelWriter fragments writes into StreamDataMessage-sized chunks
// and sends each over a Channel.
type RawChannelWriter struct {
	ch     *channel.Channel
	mu     sync.Mutex
	closed bool
}

// NewRawChannelWriter creates a writer bound to ch.
func NewRawChannelWriter(ch *channel.Channel) *RawChannelWriter {
	return &RawChannelWriter{ch: ch}
}

// Write implements io.Writer, splitting p into maxChunkSize pieces, each
// sent as its own StreamDataMessage.
func (w *RawChannelWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrClosed
	}
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > maxChunkSize {
			n = maxChunkSize
		}
		if err := w.ch.Send(channel.StreamDataType, p[:n]); err != nil {
			return total, fmt.Errorf("buffer: write: %w", err)
		}
		total += n
		p = p[n:]
	}
	return total, nil
}

// Close marks the writer closed; further Write calls fail.
func (w *RawChannelWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// Buffer pairs a RawChannelReader and RawChannelWriter over one Channel
// into a single io.ReadWriteCloser.
type Buffer struct {
	*RawChannelReader
	*RawChannelWriter
}

// New wires a Buffer to ch: inbound StreamDataMessages feed the reader
// side, and the returned Buffer's Write sends through ch.
func New(ch *channel.Channel) *Buffer {
	reader := NewRawChannelReader()
	writer := NewRawChannelWriter(ch)
	return &Buffer{RawChannelReader: reader, RawChannelWriter: writer}
}

// Close closes both the reader and writer halves.
func (b *Buffer) Close() error {
	werr := b.RawChannelWriter.Close()
	rerr := b.RawChannelReader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// HandleStreamData is the channel.MessageHandler a caller registers with
// channel.New so that StreamDataMessage envelopes feed b's reader side;
// any other message type is ignored by Buffer and left to the caller.
func (b *Buffer) HandleStreamData(msgType uint16, data []byte) {
	if msgType == channel.StreamDataType {
		b.RawChannelReader.Feed(data)
	}
}
