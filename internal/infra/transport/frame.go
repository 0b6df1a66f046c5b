package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"basebot/internal/domain"
)

// EncodeFrame renders msg as a single newline-terminated JSON document.
func EncodeFrame(msg jsonrpc.Message) ([]byte, error) {
	wire, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return append(wire, '\n'), nil
}

// DecodeFrame parses one line into a JSON-RPC message.
func DecodeFrame(line []byte) (jsonrpc.Message, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty frame", domain.ErrMalformedFrame)
	}
	msg, err := jsonrpc.DecodeMessage(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedFrame, err)
	}
	return msg, nil
}

// FrameReader reads newline-delimited JSON-RPC frames.
//
// Next returns an error wrapping domain.ErrMalformedFrame for a line that
// cannot be decoded or is longer than the frame limit; the reader stays
// usable and the caller should skip it. Any error wrapping
// domain.ErrStreamClosed is terminal.
type FrameReader struct {
	reader   *bufio.Reader
	maxBytes int
	line     []byte
}

func NewFrameReader(r io.Reader, maxFrameBytes int) *FrameReader {
	if maxFrameBytes < domain.MinMaxFrameBytes {
		maxFrameBytes = domain.MinMaxFrameBytes
	}
	return &FrameReader{
		reader:   bufio.NewReaderSize(r, 64*1024),
		maxBytes: maxFrameBytes,
	}
}

func (r *FrameReader) Next() (jsonrpc.Message, error) {
	for {
		line, oversized, err := r.readLine()
		if oversized {
			return nil, fmt.Errorf("%w: frame exceeds %d bytes", domain.ErrMalformedFrame, r.maxBytes)
		}
		if len(bytes.TrimSpace(line)) > 0 {
			return DecodeFrame(line)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrStreamClosed, err)
		}
	}
}

// readLine returns the next line. A line longer than maxBytes is drained
// up to its newline and reported as oversized with no content.
func (r *FrameReader) readLine() ([]byte, bool, error) {
	r.line = r.line[:0]
	oversized := false
	for {
		chunk, err := r.reader.ReadSlice('\n')
		if !oversized {
			if len(r.line)+len(bytes.TrimRight(chunk, "\r\n")) > r.maxBytes {
				oversized = true
				r.line = r.line[:0]
			} else {
				r.line = append(r.line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if oversized {
			return nil, true, err
		}
		return r.line, false, err
	}
}

// FrameWriter serializes whole-frame writes to one stream.
type FrameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: w}
}

func (w *FrameWriter) Write(msg jsonrpc.Message) error {
	frame, err := EncodeFrame(msg)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
