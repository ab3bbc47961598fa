package gcp

import (
	"encoding/binary"
	"fmt"
)

// MaxCommandSize bounds a command, header included, and a response.
const MaxCommandSize = 1024

// HeaderSize is the size of the command header.
const HeaderSize = 8

// ClassID selects a command class.
type ClassID uint32

// Well-known class identifiers.
const (
	ClassCore     ClassID = 0x0000
	ClassFirmware ClassID = 0x0001
	ClassSelftest ClassID = 0x0011
)

// String returns the well-known class name or its number.
func (c ClassID) String() string {
	switch c {
	case ClassCore:
		return "core"
	case ClassFirmware:
		return "firmware"
	case ClassSelftest:
		return "selftest"
	default:
		return fmt.Sprintf("class(0x%X)", uint32(c))
	}
}

// Command is a decoded command: class id, verb number, and argument bytes.
type Command struct {
	Class ClassID
	Verb  uint32
	Args  []byte
}

// ParseCommand decodes a command from data into out. Args aliases data.
func ParseCommand(data []byte, out *Command) error {
	if len(data) < HeaderSize {
		return ErrBadMessage
	}
	out.Class = ClassID(binary.LittleEndian.Uint32(data[0:4]))
	out.Verb = binary.LittleEndian.Uint32(data[4:8])
	out.Args = data[HeaderSize:]
	return nil
}

// Size returns the encoded size of c.
func (c *Command) Size() int {
	return HeaderSize + len(c.Args)
}

// MarshalTo writes c to buf. Returns the number of bytes written, or 0 if
// buf is too small.
func (c *Command) MarshalTo(buf []byte) int {
	n := c.Size()
	if len(buf) < n {
		return 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(c.Class))
	binary.LittleEndian.PutUint32(buf[4:8], c.Verb)
	copy(buf[HeaderSize:], c.Args)
	return n
}

// String returns a human-readable representation of the command.
func (c Command) String() string {
	return fmt.Sprintf("%s/0x%X args=%d", c.Class, c.Verb, len(c.Args))
}
