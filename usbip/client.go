package usbip

import (
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/efficientgo/core/errors"
)

const requestTimeout = 5 * time.Second

// Target is the address of a USB/IP server.
type Target struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// String returns the target as host:port.
func (t Target) String() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Connection is a client connection to a USB/IP server.
type Connection struct {
	Target     Target
	connection net.Conn
}

// Dial connects to t.
func (t Target) Dial() (*Connection, error) {
	conn, err := net.Dial("tcp", t.String())
	if err != nil {
		return nil, errors.Wrap(err, "Failed to connect to USB/IP target at "+t.String())
	}
	return &Connection{Target: t, connection: conn}, nil
}

// NewConnection wraps an established connection.
func NewConnection(conn net.Conn) *Connection {
	return &Connection{connection: conn}
}

// Close closes the connection.
func (c *Connection) Close() {
	_ = c.connection.Close()
}

// ListRequest asks the server for its exported devices. The connection
// cannot be reused afterwards.
func (c *Connection) ListRequest() ([]Device, error) {
	conn := c.connection
	if err := conn.SetReadDeadline(time.Now().Add(requestTimeout)); err != nil {
		return nil, err
	}

	err := binary.Write(conn, binary.BigEndian, usbipHeader{ProtocolVersion, opReqDevlist, 0})
	if err != nil {
		return nil, errors.Wrap(err, "failed to write devlist command")
	}

	hdr := usbipDevlistResponseHeader{}
	if err := binary.Read(conn, binary.BigEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "failed to read response to devlist command")
	}
	if hdr.Status != statusOK {
		return nil, errors.New("devlist command returned error")
	}

	devices := make([]Device, hdr.NumDevices)
	for i := range devices {
		var desc DeviceDescription
		if err := binary.Read(conn, binary.BigEndian, &desc); err != nil {
			return nil, errors.Wrap(err, "failed to read devices in devlist response")
		}
		ifaces := make([]InterfaceDescription, desc.NumInterfaces)
		if err := binary.Read(conn, binary.BigEndian, ifaces); err != nil {
			return nil, errors.Wrap(err, "devlist entry ended early")
		}
		devices[i] = Device{
			Vendor:     USBID(desc.Vendor),
			Product:    USBID(desc.Product),
			BusId:      desc.BusID(),
			Interfaces: ifaces,
		}
	}
	return devices, nil
}

// ImportRequest imports the device with the given bus ID. On success the
// connection carries URB traffic for that device.
func (c *Connection) ImportRequest(busId string) (*DeviceDescription, error) {
	var busIdBin [32]byte
	copy(busIdBin[:], busId)

	conn := c.connection
	if err := conn.SetReadDeadline(time.Now().Add(requestTimeout)); err != nil {
		return nil, err
	}

	err := binary.Write(conn, binary.BigEndian, usbipImportRequest{
		usbipHeader{ProtocolVersion, opReqImport, 0},
		busIdBin,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to write import command")
	}

	var hdr usbipHeader
	if err := binary.Read(conn, binary.BigEndian, &hdr); err != nil {
		return nil, errors.Wrap(err, "failed to read import response")
	}
	if hdr.Status != statusOK {
		return nil, errors.New("import command returned error")
	}
	var desc DeviceDescription
	if err := binary.Read(conn, binary.BigEndian, &desc); err != nil {
		return nil, errors.Wrap(err, "failed to read import response")
	}
	if desc.BusId != busIdBin {
		return nil, errors.New("import command returned unexpected busId")
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return &desc, nil
}

// Control submits a control URB on endpoint 0 of an imported device and
// waits for its completion. It returns the actual length and the URB
// status as a negative errno.
func (c *Connection) Control(seq uint32, setup [8]byte, in bool, data []byte) (int, int32, error) {
	conn := c.connection
	hdr := urbHeader{Command: cmdSubmit, SeqNum: seq, Direction: dirOut}
	if in {
		hdr.Direction = dirIn
	}
	body := cmdSubmitBody{TransferBufferLength: int32(len(data)), Setup: setup}
	if err := binary.Write(conn, binary.BigEndian, hdr); err != nil {
		return 0, 0, errors.Wrap(err, "failed to write submit command")
	}
	if err := binary.Write(conn, binary.BigEndian, body); err != nil {
		return 0, 0, errors.Wrap(err, "failed to write submit command")
	}
	if !in && len(data) > 0 {
		if _, err := conn.Write(data); err != nil {
			return 0, 0, errors.Wrap(err, "failed to write transfer buffer")
		}
	}

	var ret retSubmitMessage
	if err := binary.Read(conn, binary.BigEndian, &ret); err != nil {
		return 0, 0, errors.Wrap(err, "failed to read submit response")
	}
	if ret.Command != retSubmit || ret.SeqNum != seq {
		return 0, 0, errors.Newf("unexpected response %#x for seqnum %d", ret.Command, ret.SeqNum)
	}
	n := int(ret.ActualLength)
	if n < 0 || n > len(data) {
		return 0, ret.Status, errors.Newf("actual length %d exceeds buffer of %d", n, len(data))
	}
	if in && n > 0 {
		if _, err := io.ReadFull(conn, data[:n]); err != nil {
			return 0, ret.Status, errors.Wrap(err, "failed to read transfer buffer")
		}
	}
	return n, ret.Status, nil
}

// Unlink asks the server to cancel the URB numbered target. It returns the
// status of the RET_UNLINK reply.
func (c *Connection) Unlink(seq, target uint32) (int32, error) {
	conn := c.connection
	if err := binary.Write(conn, binary.BigEndian, urbHeader{Command: cmdUnlink, SeqNum: seq}); err != nil {
		return 0, errors.Wrap(err, "failed to write unlink command")
	}
	if err := binary.Write(conn, binary.BigEndian, cmdUnlinkBody{UnlinkSeqNum: target}); err != nil {
		return 0, errors.Wrap(err, "failed to write unlink command")
	}
	var ret retUnlinkMessage
	if err := binary.Read(conn, binary.BigEndian, &ret); err != nil {
		return 0, errors.Wrap(err, "failed to read unlink response")
	}
	if ret.Command != retUnlink || ret.SeqNum != seq {
		return 0, errors.Newf("unexpected response %#x for seqnum %d", ret.Command, ret.SeqNum)
	}
	return ret.Status, nil
}
