package gateway

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/kartikbazzad/reactivedoc/internal/apperrors"
)

// Frames are length-delimited: a 4-byte big-endian length prefix
// followed by exactly that many bytes of JSON. This is the same
// length-prefix technique as the old binary IPC protocol, carrying a
// JSON payload instead of opcode-tagged binary fields.

func readFrame(r io.Reader, maxBytes int) (InFrame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return InFrame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if maxBytes > 0 && int(n) > maxBytes {
		return InFrame{}, fmt.Errorf("%w: frame of %d bytes exceeds limit %d", apperrors.ErrPayloadTooLarge, n, maxBytes)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return InFrame{}, err
	}

	var frame InFrame
	if err := json.Unmarshal(buf, &frame); err != nil {
		return InFrame{}, fmt.Errorf("%w: %v", apperrors.ErrProtocolViolation, err)
	}
	if frame.Type == "" || frame.ID == "" {
		return InFrame{}, fmt.Errorf("%w: missing type or id", apperrors.ErrProtocolViolation)
	}
	return frame, nil
}

func writeFrame(w io.Writer, frame OutFrame) error {
	buf, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}
