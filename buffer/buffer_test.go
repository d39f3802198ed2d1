package buffer

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/torlando-tech/microreticulum-go/channel"
	"github.com/torlando-tech/microreticulum-go/link"
)

// pairedBuffers wires two Links through a completed handshake and two
// Channels over them, each Channel's inbound StreamDataMessages feeding a
// Buffer, so the two Buffers form a loopback byte pipe: writes to one
// side arrive for reading on the other.
func pairedBuffers(t *testing.T) (a, b *Buffer) {
	t.Helper()

	var linkA, linkB *link.Link
	var chA, chB *channel.Channel
	a = &Buffer{RawChannelReader: NewRawChannelReader()}
	b = &Buffer{RawChannelReader: NewRawChannelReader()}

	linkA, err := link.NewInitiator(func(ct []byte) error {
		pt, err := linkB.Decrypt(ct)
		if err != nil {
			return err
		}
		return chB.HandleInbound(pt)
	})
	if err != nil {
		t.Fatalf("new initiator: %v", err)
	}
	req, err := linkA.BuildRequest()
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	xPub, edPub, linkID, err := link.ParseRequest(req)
	if err != nil {
		t.Fatalf("parse request: %v", err)
	}
	linkB, proof, err := link.NewResponder(func(ct []byte) error {
		pt, err := linkA.Decrypt(ct)
		if err != nil {
			return err
		}
		return chA.HandleInbound(pt)
	}, xPub, edPub, linkID)
	if err != nil {
		t.Fatalf("new responder: %v", err)
	}
	if err := linkA.CompleteHandshake(proof); err != nil {
		t.Fatalf("complete handshake: %v", err)
	}

	chA = channel.New(linkA, a.HandleStreamData)
	chB = channel.New(linkB, b.HandleStreamData)
	a.RawChannelWriter = NewRawChannelWriter(chA)
	b.RawChannelWriter = NewRawChannelWriter(chB)
	return a, b
}

func TestBufferRoundTrip32KiB(t *testing.T) {
	a, b := pairedBuffers(t)

	payload := bytes.Repeat([]byte("reticulum-buffer-payload-"), 32768/25+1)[:32768]
	n, err := a.Write(payload)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("short write: %d of %d", n, len(payload))
	}

	got := make([]byte, len(payload))
	if _, err := readFull(b, got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("round-tripped payload mismatch")
	}
}

func readFull(b *Buffer, out []byte) (int, error) {
	total := 0
	for total < len(out) {
		n, err := b.Read(out[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestBufferReadlineDelimiting(t *testing.T) {
	a, b := pairedBuffers(t)

	lines := []string{"first line\n", "second line\n", "third\n"}
	for _, l := range lines {
		if _, err := a.Write([]byte(l)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	r := bufio.NewReader(b)
	for i, want := range lines {
		got, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read line %d: %v", i, err)
		}
		if got != want {
			t.Fatalf("line %d mismatch: got %q want %q", i, got, want)
		}
	}
}

func TestBufferCloseReleasesBlockedRead(t *testing.T) {
	r := NewRawChannelReader()
	done := make(chan error, 1)
	go func() {
		_, err := r.Read(make([]byte, 16))
		done <- err
	}()
	r.Close()
	if err := <-done; err == nil {
		t.Fatal("expected io.EOF after close with no data")
	}
}

func TestRawChannelWriterRejectsAfterClose(t *testing.T) {
	w := NewRawChannelWriter(nil)
	w.Close()
	if _, err := w.Write([]byte("x")); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
