package main

import (
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/google/gousb"

	"github.com/ardnew/gcpusb/pkg"
)

// usbTransport issues control transfers through libusb.
type usbTransport struct {
	dev *gousb.Device
}

func (t usbTransport) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	n, err := t.dev.Control(rType, request, val, idx, data)
	return n, mapUSBError(err)
}

// mapUSBError translates libusb transfer errors into the package
// sentinels the GCP client inspects.
func mapUSBError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gousb.ErrorPipe):
		return errors.Wrap(pkg.ErrStall, err.Error())
	case errors.Is(err, gousb.ErrorTimeout):
		return errors.Wrap(pkg.ErrTimeout, err.Error())
	case errors.Is(err, gousb.ErrorNoDevice):
		return errors.Wrap(pkg.ErrNoDevice, err.Error())
	case errors.Is(err, gousb.ErrorOverflow):
		return errors.Wrap(pkg.ErrOverrun, err.Error())
	default:
		return err
	}
}

// openDevice opens the first device matching vid:pid.
func openDevice(ctx *gousb.Context, vid, pid uint16, timeout time.Duration) (*gousb.Device, error) {
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		return nil, errors.Wrapf(err, "open %04x:%04x", vid, pid)
	}
	if dev == nil {
		return nil, errors.Wrapf(pkg.ErrNoDevice, "%04x:%04x", vid, pid)
	}
	dev.ControlTimeout = timeout
	return dev, nil
}
