package diag

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// BufferSize matches the size of a single read from the diag driver.
const BufferSize = 1024 * 1024 * 10

// maxMessageLen bounds a single message so a corrupt length cannot
// allocate unbounded memory.
const maxMessageLen = 1024 * 1024

// maxContainerLen bounds the summed message bodies of one container.
const maxContainerLen = BufferSize

var (
	// ErrMessageTooLarge is returned for a message length above maxMessageLen
	// or a container whose messages add up to more than maxContainerLen.
	ErrMessageTooLarge = errors.New("diag message too large")
	// ErrTruncated is returned when the stream ends inside a container.
	ErrTruncated = errors.New("diag container truncated")
)

// Reader decodes diag containers:
//
//	data_type u32 | num_messages u32 | { length u32 | data[length] } * num_messages
//
// all little endian.
type Reader struct {
	r   *bufio.Reader
	now func() time.Time
}

// NewReader wraps r for stream decoding, e.g. a replayed container dump.
func NewReader(r io.Reader) *Reader {
	return newReaderSize(r, 64*1024)
}

func newReaderSize(r io.Reader, size int) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, size), now: time.Now}
}

// Next returns the next frame. It returns io.EOF only at a container
// boundary; an EOF inside a container is ErrTruncated.
func (d *Reader) Next() (Frame, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(d.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, truncated(err)
	}
	dataType := DataType(binary.LittleEndian.Uint32(hdr[0:4]))
	count := binary.LittleEndian.Uint32(hdr[4:8])

	var payload []byte
	var lenBuf [4]byte
	for i := uint32(0); i < count; i++ {
		if _, err := io.ReadFull(d.r, lenBuf[:]); err != nil {
			return Frame{}, truncated(err)
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		if n > maxMessageLen {
			return Frame{}, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, n)
		}
		if uint64(len(payload))+uint64(n) > maxContainerLen {
			return Frame{}, fmt.Errorf("%w: container exceeds %d bytes after %d of %d messages", ErrMessageTooLarge, maxContainerLen, i, count)
		}
		start := len(payload)
		payload = append(payload, make([]byte, n)...)
		if _, err := io.ReadFull(d.r, payload[start:]); err != nil {
			return Frame{}, truncated(err)
		}
	}

	return Frame{Type: dataType, Timestamp: d.now(), Payload: payload}, nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}

// WriteContainer encodes messages as a single container. It is the inverse
// of Reader.Next and is used to build replay files.
func WriteContainer(w io.Writer, dataType DataType, messages ...[]byte) error {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(dataType))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(messages)))
	for _, m := range messages {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m)))
		buf = append(buf, m...)
	}
	_, err := w.Write(buf)
	return err
}
