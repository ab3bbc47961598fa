package usbip

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/gcpusb/device"
	"github.com/ardnew/gcpusb/pkg"
)

// pendingURBs bounds the URBs queued behind the one in flight.
const pendingURBs = 32

type urb struct {
	hdr  urbHeader
	body cmdSubmitBody
	data []byte

	ctx    context.Context
	cancel context.CancelFunc
}

// session runs the URB phase of an imported device. A reader goroutine
// decodes commands; a single worker executes submitted URBs in order.
type session struct {
	srv  *Server
	dev  *ExportedDevice
	conn net.Conn

	wmu sync.Mutex

	mu      sync.Mutex
	pending map[uint32]*urb
	queue   chan *urb
}

func newSession(srv *Server, dev *ExportedDevice, conn net.Conn) *session {
	return &session{
		srv:     srv,
		dev:     dev,
		conn:    conn,
		pending: map[uint32]*urb{},
		queue:   make(chan *urb, pendingURBs),
	}
}

func (ss *session) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ss.work()
	}()
	defer func() {
		cancel()
		close(ss.queue)
		wg.Wait()
	}()

	for {
		var hdr urbHeader
		if err := binary.Read(ss.conn, binary.BigEndian, &hdr); err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "failed to read command header")
		}

		switch hdr.Command {
		case cmdSubmit:
			u, err := ss.readSubmit(ctx, hdr)
			if err != nil {
				return err
			}
			select {
			case ss.queue <- u:
			case <-ctx.Done():
				return nil
			}

		case cmdUnlink:
			var body cmdUnlinkBody
			if err := binary.Read(ss.conn, binary.BigEndian, &body); err != nil {
				return errors.Wrap(err, "failed to read unlink command")
			}
			if err := ss.unlink(hdr, body.UnlinkSeqNum); err != nil {
				return err
			}

		default:
			return errors.Wrapf(pkg.ErrProtocol, "unknown command %#x", hdr.Command)
		}
	}
}

func (ss *session) readSubmit(ctx context.Context, hdr urbHeader) (*urb, error) {
	u := &urb{hdr: hdr}
	if err := binary.Read(ss.conn, binary.BigEndian, &u.body); err != nil {
		return nil, errors.Wrap(err, "failed to read submit command")
	}
	length := u.body.TransferBufferLength
	if length < 0 || length > maxTransferLength {
		return nil, errors.Wrapf(pkg.ErrProtocol, "transfer buffer length %d", length)
	}
	if hdr.Direction == dirOut && length > 0 {
		u.data = make([]byte, length)
		if _, err := io.ReadFull(ss.conn, u.data); err != nil {
			return nil, errors.Wrap(err, "failed to read transfer buffer")
		}
	}
	u.ctx, u.cancel = context.WithCancel(ctx)

	ss.mu.Lock()
	ss.pending[hdr.SeqNum] = u
	ss.mu.Unlock()
	return u, nil
}

// unlink cancels the URB numbered seq if it has not completed.
func (ss *session) unlink(hdr urbHeader, seq uint32) error {
	ss.mu.Lock()
	u, ok := ss.pending[seq]
	delete(ss.pending, seq)
	ss.mu.Unlock()

	status := pkg.TransferStatusSuccess
	if ok {
		u.cancel()
		status = pkg.TransferStatusCancelled
	}
	pkg.LogDebug(pkg.ComponentUSBIP, "unlink", "seqnum", seq, "found", ok)
	return ss.write(retUnlinkMessage{
		urbHeader: urbHeader{Command: retUnlink, SeqNum: hdr.SeqNum},
		Status:    status.Errno(),
	}, nil)
}

func (ss *session) work() {
	for u := range ss.queue {
		var n int
		var data []byte
		status := pkg.TransferStatusCancelled
		if u.ctx.Err() == nil {
			n, data, status = ss.execute(u)
		}
		u.cancel()

		ss.mu.Lock()
		_, live := ss.pending[u.hdr.SeqNum]
		delete(ss.pending, u.hdr.SeqNum)
		ss.mu.Unlock()
		if !live {
			// unlinked; the client expects no RET_SUBMIT
			continue
		}

		ss.srv.urbs.WithLabelValues(status.String()).Inc()
		msg := retSubmitMessage{
			urbHeader:    urbHeader{Command: retSubmit, SeqNum: u.hdr.SeqNum},
			Status:       status.Errno(),
			ActualLength: int32(n),
		}
		if u.hdr.Direction != dirIn {
			data = nil
		}
		if err := ss.write(msg, data); err != nil {
			pkg.LogWarn(pkg.ComponentUSBIP, "failed to write submit response", "seqnum", u.hdr.SeqNum, "err", err)
		}
	}
}

// execute performs a submitted URB on the device. Only the default control
// endpoint is served; other endpoints stall.
func (ss *session) execute(u *urb) (int, []byte, pkg.TransferStatus) {
	if u.hdr.Endpoint != 0 {
		pkg.LogWarn(pkg.ComponentUSBIP, "stall: transfer on unsupported endpoint", "ep", u.hdr.Endpoint)
		return 0, nil, pkg.TransferStatusStall
	}

	var setup device.SetupPacket
	if err := device.ParseSetupPacket(u.body.Setup[:], &setup); err != nil {
		return 0, nil, pkg.TransferStatusError
	}
	data := u.data
	if u.hdr.Direction == dirIn {
		data = make([]byte, min(int(u.body.TransferBufferLength), int(setup.Length)))
	}

	var n int
	var err error
	if ct, ok := ss.dev.Transport.(ContextTransport); ok {
		n, err = ct.ControlContext(u.ctx, setup.RequestType, setup.Request, setup.Value, setup.Index, data)
	} else {
		n, err = ss.dev.Transport.Control(setup.RequestType, setup.Request, setup.Value, setup.Index, data)
	}
	if err != nil {
		pkg.LogDebug(pkg.ComponentUSBIP, "control transfer failed", "setup", setup, "err", err)
	}
	return n, data[:n], pkg.StatusOf(err)
}

func (ss *session) write(msg any, data []byte) error {
	ss.wmu.Lock()
	defer ss.wmu.Unlock()
	if err := binary.Write(ss.conn, binary.BigEndian, msg); err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := ss.conn.Write(data); err != nil {
			return err
		}
	}
	return nil
}
