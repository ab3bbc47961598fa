package host

import (
	"github.com/ardnew/gcpusb/device"
)

// Transport performs control transfers on endpoint 0. For IN requests data
// receives the data stage and its length is the requested length; for OUT
// requests data is sent.
type Transport interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// transfer issues setup on t. data must hold at least setup.Length bytes.
func transfer(t Transport, setup device.SetupPacket, data []byte) (int, error) {
	return t.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, data[:setup.Length])
}
