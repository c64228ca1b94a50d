package direct

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/nearcast/nearcast/internal/domain"
)

// MaxFrameSize bounds a single frame so a peer cannot make us allocate an
// arbitrary buffer from a forged length prefix.
const MaxFrameSize = 64 << 10 // 64 KiB

// WriteFrame encodes v as JSON and writes it as
//
//	[4-byte big-endian length][JSON bytes]
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return fmt.Errorf("encode frame: too large (%d > %d)", len(data), MaxFrameSize)
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame written by WriteFrame and decodes it into v.
// Framing and JSON problems wrap domain.ErrDecodeFailed; I/O errors do not.
func ReadFrame(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if length == 0 {
		return fmt.Errorf("%w: zero-length frame", domain.ErrDecodeFailed)
	}
	if length > MaxFrameSize {
		return fmt.Errorf("%w: frame too large (%d > %d)", domain.ErrDecodeFailed, length, MaxFrameSize)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read frame payload: %w", err)
	}

	if err := json.Unmarshal(buf, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDecodeFailed, err)
	}
	return nil
}
