package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the largest frame the chunker will carry. The length
// prefix is 16-bit, so this is also the wire-format ceiling.
const MaxFrameSize = 65535

// StreamWriter adds the 2-byte big-endian length prefix that delimits
// encrypted frames on the TCP byte stream.
type StreamWriter struct {
	w io.Writer
}

// NewStreamWriter creates a stream writer for TCP chunk framing.
func NewStreamWriter(w io.Writer) *StreamWriter {
	return &StreamWriter{w: w}
}

// Write sends one length-prefixed frame.
func (sw *StreamWriter) Write(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var prefix [2]byte
	binary.BigEndian.PutUint16(prefix[:], uint16(len(frame)))

	if _, err := sw.w.Write(prefix[:]); err != nil {
		return fmt.Errorf("wire: writing frame length: %w", err)
	}
	if _, err := sw.w.Write(frame); err != nil {
		return fmt.Errorf("wire: writing frame: %w", err)
	}
	return nil
}

// StreamReader reassembles length-prefixed frames from the TCP byte
// stream, regardless of how the bytes were fragmented in transit.
type StreamReader struct {
	r io.Reader
}

// NewStreamReader creates a stream reader for TCP chunk framing.
func NewStreamReader(r io.Reader) *StreamReader {
	return &StreamReader{r: r}
}

// Read returns the next complete frame.
func (sr *StreamReader) Read() ([]byte, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(sr.r, prefix[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint16(prefix[:])
	frame := make([]byte, length)
	if _, err := io.ReadFull(sr.r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
