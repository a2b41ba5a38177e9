// Package frame implements the wire framing shared by every connection: a
// 4-byte little-endian unsigned length followed by exactly that many payload
// bytes.
package frame

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the length prefix size in bytes.
const HeaderSize = 4

// DefaultMaxSize bounds a single payload on the read path.
const DefaultMaxSize = 1 << 24

// ErrFrameTooLarge is returned by Read when the header announces a payload
// above the configured limit.
var ErrFrameTooLarge = errors.New("frame: payload exceeds size limit")

// Write writes one frame and flushes w. Payloads whose length does not fit the
// header are refused before anything is written.
func Write(w *bufio.Writer, payload []byte) error {
	n, err := headerLength(uint64(len(payload)))
	if err != nil {
		return err
	}
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], n)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

// Read reads one frame. It returns io.EOF only when the stream ends cleanly on
// a frame boundary; a stream cut inside a frame yields io.ErrUnexpectedEOF.
// maxSize <= 0 selects DefaultMaxSize.
func Read(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if uint64(n) > uint64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

func headerLength(n uint64) (uint32, error) {
	if n > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d does not fit the length header", ErrFrameTooLarge, n)
	}
	return uint32(n), nil
}

// CheckSize reports ErrFrameTooLarge when a payload of n bytes would be
// rejected by a reader using maxSize. maxSize <= 0 selects DefaultMaxSize.
func CheckSize(n, maxSize int) error {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if n > maxSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
	}
	return nil
}
