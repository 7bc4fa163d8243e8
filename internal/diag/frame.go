// Package diag reads Qualcomm diag containers from a modem and turns them
// into frames for the capture loop.
package diag

import (
	"bytes"
	"time"
)

// DataType is the origin tag of a diag container.
type DataType uint32

const (
	// UserSpace containers carry the log messages we asked the modem for.
	// Everything else is traffic from other diag clients.
	UserSpace DataType = 0x20
)

// HDLCTerminator ends every HDLC-encapsulated diag message.
const HDLCTerminator byte = 0x7e

func (d DataType) String() string {
	if d == UserSpace {
		return "userspace"
	}
	return "other"
}

// Frame is one diag container as read from the device. Payload is the
// concatenation of its HDLC-encapsulated messages.
type Frame struct {
	Type      DataType
	Timestamp time.Time
	Payload   []byte
}

// Messages splits the payload into its HDLC messages, each including the
// trailing terminator. A trailing fragment without terminator is returned
// as-is.
func (f Frame) Messages() [][]byte {
	return SplitMessages(f.Payload)
}

// SplitMessages splits raw capture bytes on the HDLC terminator.
func SplitMessages(data []byte) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		i := bytes.IndexByte(data, HDLCTerminator)
		if i < 0 {
			out = append(out, data)
			break
		}
		out = append(out, data[:i+1])
		data = data[i+1:]
	}
	return out
}
