package asyncsocket

import (
	"bytes"
	"strings"
)

// Scratch holds consumer-owned buffers for reassembling messages that span
// several reads. The Connection never reads or writes them; they exist so a
// MessageHandler has somewhere to keep partial frames between calls.
type Scratch struct {
	// Text accumulates decoded text.
	Text strings.Builder
	// Stream accumulates binary data.
	Stream bytes.Buffer
	// Array is a fixed-size buffer of ConnectionConfig.UserBufferSize bytes.
	Array []byte
	// List is a growable byte sequence.
	List []byte
	// Buffered is a byte count maintained by the consumer.
	Buffered int
}

func newScratch(size int) *Scratch {
	return &Scratch{Array: make([]byte, size)}
}

// Reset empties every buffer and zeroes Array and Buffered.
func (s *Scratch) Reset() {
	s.Text.Reset()
	s.Stream.Reset()
	clear(s.Array)
	s.List = s.List[:0]
	s.Buffered = 0
}
