package host

import (
	"encoding/binary"
	"sync"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/gcpusb/device"
	"github.com/ardnew/gcpusb/device/class/gcp"
	"github.com/ardnew/gcpusb/pkg"
)

// Client executes GCP commands on a device. It is safe for concurrent use;
// commands are serialized because the device holds one pending result.
type Client struct {
	mu sync.Mutex
	t  Transport
}

// NewClient returns a client using t.
func NewClient(t Transport) *Client {
	return &Client{t: t}
}

func commandSetup(dir device.Direction, value gcp.VendorValue, length int) device.SetupPacket {
	return device.NewSetupPacket(dir, device.RequestTypeVendor, device.RecipientDevice,
		uint8(gcp.RequestCommand), uint16(value), 0, uint16(length))
}

// Execute runs verb of class with args and returns the response. If the
// device fails the command, the error is a *gcp.CommandError carrying the
// device's error code.
func (c *Client) Execute(class gcp.ClassID, verb uint32, args []byte) ([]byte, error) {
	cmd := gcp.Command{Class: class, Verb: verb, Args: args}
	if cmd.Size() > gcp.MaxCommandSize {
		return nil, errors.Wrapf(pkg.ErrInvalidParameter, "command of %d bytes exceeds %d",
			cmd.Size(), gcp.MaxCommandSize)
	}
	buf := make([]byte, gcp.MaxCommandSize)
	n := cmd.MarshalTo(buf)

	c.mu.Lock()
	defer c.mu.Unlock()

	pkg.LogDebug(pkg.ComponentHost, "submit command", "command", cmd)
	if _, err := transfer(c.t, commandSetup(device.DirectionHostToDevice, gcp.ValueExecute, n), buf); err != nil {
		return nil, errors.Wrapf(err, "submit %s", cmd)
	}

	n, err := transfer(c.t, commandSetup(device.DirectionDeviceToHost, gcp.ValueExecute, len(buf)), buf)
	if err != nil {
		code, abortErr := c.abort()
		if abortErr != nil {
			return nil, errors.Wrapf(err, "fetch %s", cmd)
		}
		pkg.LogDebug(pkg.ComponentHost, "command failed", "command", cmd, "code", code)
		return nil, &gcp.CommandError{Class: class, Verb: verb, Code: code}
	}
	return buf[:n], nil
}

// Abort cancels the pending command and returns the device's error code.
func (c *Client) Abort() (gcp.Error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abort()
}

func (c *Client) abort() (gcp.Error, error) {
	var buf [gcp.ErrorSize]byte
	n, err := transfer(c.t, commandSetup(device.DirectionDeviceToHost, gcp.ValueCancel, len(buf)), buf[:])
	if err != nil {
		return 0, errors.Wrap(err, "abort")
	}
	return gcp.ParseError(buf[:n])
}

// ClaimInterface asks the device to release its control port.
func (c *Client) ClaimInterface(iface uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	setup := device.NewSetupPacket(device.DirectionHostToDevice, device.RequestTypeVendor,
		device.RecipientInterface, uint8(gcp.RequestClaimInterface), 0, iface, 0)
	if _, err := transfer(c.t, setup, nil); err != nil {
		return errors.Wrap(err, "claim interface")
	}
	return nil
}

func (c *Client) core(verb uint32, args ...uint32) ([]byte, error) {
	var a []byte
	for _, v := range args {
		a = binary.LittleEndian.AppendUint32(a, v)
	}
	return c.Execute(gcp.ClassCore, verb, a)
}

func (c *Client) coreUint32(verb uint32) (uint32, error) {
	resp, err := c.core(verb)
	if err != nil {
		return 0, err
	}
	if len(resp) < 4 {
		return 0, errors.Wrapf(pkg.ErrProtocol, "response of %d bytes", len(resp))
	}
	return binary.LittleEndian.Uint32(resp), nil
}

func (c *Client) coreString(verb uint32, args ...uint32) (string, error) {
	resp, err := c.core(verb, args...)
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

func (c *Client) coreUint32s(verb uint32, args ...uint32) ([]uint32, error) {
	resp, err := c.core(verb, args...)
	if err != nil {
		return nil, err
	}
	if len(resp)%4 != 0 {
		return nil, errors.Wrapf(pkg.ErrProtocol, "response of %d bytes is not a word list", len(resp))
	}
	values := make([]uint32, len(resp)/4)
	for i := range values {
		values[i] = binary.LittleEndian.Uint32(resp[4*i:])
	}
	return values, nil
}

// BoardID returns the board identifier.
func (c *Client) BoardID() (uint32, error) {
	return c.coreUint32(gcp.VerbReadBoardID)
}

// VersionString returns the firmware version.
func (c *Client) VersionString() (string, error) {
	return c.coreString(gcp.VerbReadVersionString)
}

// PartID returns the part identifier.
func (c *Client) PartID() ([8]byte, error) {
	var id [8]byte
	resp, err := c.core(gcp.VerbReadPartID)
	if err != nil {
		return id, err
	}
	if len(resp) != len(id) {
		return id, errors.Wrapf(pkg.ErrProtocol, "part id of %d bytes", len(resp))
	}
	copy(id[:], resp)
	return id, nil
}

// SerialNumber returns the board serial number.
func (c *Client) SerialNumber() ([16]byte, error) {
	var sn [16]byte
	resp, err := c.core(gcp.VerbReadSerialNumber)
	if err != nil {
		return sn, err
	}
	if len(resp) != len(sn) {
		return sn, errors.Wrapf(pkg.ErrProtocol, "serial number of %d bytes", len(resp))
	}
	copy(sn[:], resp)
	return sn, nil
}

// BoardInformation reads every board identity field.
func (c *Client) BoardInformation() (gcp.BoardInformation, error) {
	var info gcp.BoardInformation
	var err error
	if info.BoardID, err = c.BoardID(); err != nil {
		return info, err
	}
	if info.VersionString, err = c.VersionString(); err != nil {
		return info, err
	}
	if info.PartID, err = c.PartID(); err != nil {
		return info, err
	}
	if info.SerialNumber, err = c.SerialNumber(); err != nil {
		return info, err
	}
	return info, nil
}

// Classes returns the classes the device implements.
func (c *Client) Classes() ([]gcp.ClassID, error) {
	values, err := c.coreUint32s(gcp.VerbGetAvailableClasses)
	if err != nil {
		return nil, err
	}
	ids := make([]gcp.ClassID, len(values))
	for i, v := range values {
		ids[i] = gcp.ClassID(v)
	}
	return ids, nil
}

// Verbs returns the verb numbers of class.
func (c *Client) Verbs(class gcp.ClassID) ([]uint32, error) {
	return c.coreUint32s(gcp.VerbGetAvailableVerbs, uint32(class))
}

// ClassName returns the name of class.
func (c *Client) ClassName(class gcp.ClassID) (string, error) {
	return c.coreString(gcp.VerbGetClassName, uint32(class))
}

// VerbName returns the name of verb in class.
func (c *Client) VerbName(class gcp.ClassID, verb uint32) (string, error) {
	return c.coreString(gcp.VerbGetVerbName, uint32(class), verb)
}
