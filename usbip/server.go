package usbip

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/gcpusb/device"
	"github.com/ardnew/gcpusb/host"
	"github.com/ardnew/gcpusb/pkg"
)

// maxTransferLength bounds the data stage of a submitted URB.
const maxTransferLength = 0xFFFF

// ContextTransport is a host.Transport whose transfers can be cancelled.
// Unlinked URBs are cancelled through it when the transport supports it.
type ContextTransport interface {
	host.Transport
	ControlContext(ctx context.Context, rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// ExportedDevice is a device offered to USB/IP clients.
type ExportedDevice struct {
	BusID       string
	BusNum      uint32
	DevNum      uint32
	Descriptors *device.Descriptors
	Transport   host.Transport
}

func (d *ExportedDevice) description() DeviceDescription {
	var desc DeviceDescription
	copy(desc.Path[:], "/sys/devices/platform/gcpusb/"+d.BusID)
	copy(desc.BusId[:], d.BusID)
	desc.BusNum = d.BusNum
	desc.DevNum = d.DevNum
	desc.Speed = uint32(d.Descriptors.Speed)
	dev := d.Descriptors.Device
	desc.Vendor = dev.VendorID
	desc.Product = dev.ProductID
	desc.BCDDevice = dev.DeviceVersion
	desc.DeviceClass = dev.DeviceClass
	desc.DeviceSubClass = dev.DeviceSubClass
	desc.DeviceProtocol = dev.DeviceProtocol
	desc.DeviceConfigurationValue = d.Descriptors.Configuration.Descriptor.ConfigurationValue
	desc.NumConfigurations = dev.NumConfigurations
	desc.NumInterfaces = uint8(len(d.Descriptors.Configuration.Interfaces))
	return desc
}

func (d *ExportedDevice) interfaces() []InterfaceDescription {
	ifaces := d.Descriptors.Configuration.Interfaces
	out := make([]InterfaceDescription, len(ifaces))
	for i := range ifaces {
		out[i] = InterfaceDescription{
			InterfaceClass:    ifaces[i].Descriptor.InterfaceClass,
			InterfaceSubClass: ifaces[i].Descriptor.InterfaceSubClass,
			InterfaceProtocol: ifaces[i].Descriptor.InterfaceProtocol,
		}
	}
	return out
}

// Server exports devices over USB/IP. Each device can be imported by one
// client at a time.
type Server struct {
	devices []*ExportedDevice

	mu       sync.Mutex
	imported map[string]bool

	connections prometheus.Gauge
	urbs        *prometheus.CounterVec
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRegisterer registers the server metrics with reg.
func WithRegisterer(reg prometheus.Registerer) ServerOption {
	return func(s *Server) {
		if reg != nil {
			reg.MustRegister(s.connections, s.urbs)
		}
	}
}

// NewServer returns a server exporting devices. Bus IDs must be unique and
// fit in 31 bytes.
func NewServer(devices []*ExportedDevice, opts ...ServerOption) (*Server, error) {
	seen := map[string]bool{}
	for _, d := range devices {
		if d.BusID == "" || len(d.BusID) > 31 {
			return nil, errors.Wrapf(pkg.ErrInvalidParameter, "bus id %q", d.BusID)
		}
		if seen[d.BusID] {
			return nil, errors.Wrapf(pkg.ErrInvalidParameter, "duplicate bus id %q", d.BusID)
		}
		if d.Descriptors == nil || d.Transport == nil {
			return nil, errors.Wrapf(pkg.ErrInvalidParameter, "device %s is incomplete", d.BusID)
		}
		seen[d.BusID] = true
	}
	s := &Server{
		devices:  devices,
		imported: map[string]bool{},
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gcpusb_usbip_connections",
			Help: "The number of open USB/IP connections.",
		}),
		urbs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gcpusb_usbip_urbs_total",
			Help: "The total number of URBs completed, by transfer status.",
		}, []string{"status"}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Serve accepts connections on l until ctx is done or l fails. It closes l
// on return.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.ServeConn(ctx, conn); err != nil {
				pkg.LogWarn(pkg.ComponentUSBIP, "connection closed", "remote", conn.RemoteAddr(), "err", err)
			}
		}()
	}
}

// ServeConn handles one client connection until it is closed or ctx is
// done. It closes conn on return.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	s.connections.Inc()
	defer s.connections.Dec()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	pkg.LogDebug(pkg.ComponentUSBIP, "connection opened", "remote", conn.RemoteAddr())
	var hdr usbipHeader
	if err := binary.Read(conn, binary.BigEndian, &hdr); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return errors.Wrap(err, "failed to read operation header")
	}
	if hdr.Version != ProtocolVersion {
		return errors.Wrapf(pkg.ErrProtocol, "unsupported version %#04x", hdr.Version)
	}

	switch hdr.Code {
	case opReqDevlist:
		return s.devlist(conn)
	case opReqImport:
		dev, err := s.importDevice(conn)
		if err != nil || dev == nil {
			return err
		}
		defer s.release(dev)
		return newSession(s, dev, conn).run(ctx)
	default:
		return errors.Wrapf(pkg.ErrProtocol, "unknown operation %#04x", hdr.Code)
	}
}

func (s *Server) devlist(conn net.Conn) error {
	err := binary.Write(conn, binary.BigEndian, usbipDevlistResponseHeader{
		usbipHeader{ProtocolVersion, opRepDevlist, statusOK},
		uint32(len(s.devices)),
	})
	if err != nil {
		return errors.Wrap(err, "failed to write devlist response")
	}
	for _, d := range s.devices {
		if err := binary.Write(conn, binary.BigEndian, d.description()); err != nil {
			return errors.Wrap(err, "failed to write device")
		}
		if err := binary.Write(conn, binary.BigEndian, d.interfaces()); err != nil {
			return errors.Wrap(err, "failed to write interfaces")
		}
	}
	return nil
}

// importDevice answers an import request. It returns a nil device when the
// request was refused.
func (s *Server) importDevice(conn net.Conn) (*ExportedDevice, error) {
	var busID [32]byte
	if _, err := io.ReadFull(conn, busID[:]); err != nil {
		return nil, errors.Wrap(err, "failed to read import request")
	}
	name := cString(busID[:])

	dev := s.claim(name)
	if dev == nil {
		pkg.LogWarn(pkg.ComponentUSBIP, "import refused", "busid", name)
		if err := binary.Write(conn, binary.BigEndian, usbipHeader{ProtocolVersion, opRepImport, statusError}); err != nil {
			return nil, errors.Wrap(err, "failed to write import response")
		}
		return nil, nil
	}

	err := binary.Write(conn, binary.BigEndian, struct {
		usbipHeader
		DeviceDescription
	}{usbipHeader{ProtocolVersion, opRepImport, statusOK}, dev.description()})
	if err != nil {
		s.release(dev)
		return nil, errors.Wrap(err, "failed to write import response")
	}
	pkg.LogInfo(pkg.ComponentUSBIP, "device imported", "busid", name, "remote", conn.RemoteAddr())
	return dev, nil
}

func (s *Server) claim(busID string) *ExportedDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.devices {
		if d.BusID == busID && !s.imported[busID] {
			s.imported[busID] = true
			return d
		}
	}
	return nil
}

func (s *Server) release(dev *ExportedDevice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.imported, dev.BusID)
	pkg.LogInfo(pkg.ComponentUSBIP, "device released", "busid", dev.BusID)
}
