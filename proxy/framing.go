package proxy

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/linux-mobile-broadband/qmi-go/qmi"
)

// maxFrameSize bounds a single local-endpoint frame, well above any
// real QMUX message (qmi.maxTLVValueLen plus headers) but small enough
// to reject a client that sends garbage as a length prefix.
const maxFrameSize = 1 << 20

// writeFrame writes payload as a 4-byte little-endian length prefix
// followed by payload itself -- this module's own local-endpoint
// framing (see ClientHello's doc comment for why).
func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return &qmi.Error{Kind: qmi.KindTransport, Op: "write_frame", Err: err}
	}
	if _, err := w.Write(payload); err != nil {
		return &qmi.Error{Kind: qmi.KindTransport, Op: "write_frame", Err: err}
	}
	return nil
}

func readFrame(r *bufio.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, &qmi.Error{Kind: qmi.KindInvalidData, Op: "read_frame", Msg: fmt.Sprintf("frame of %d bytes exceeds limit", n)}
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, &qmi.Error{Kind: qmi.KindTransport, Op: "read_frame", Err: err}
	}
	return payload, nil
}

// readHello reads and decodes the handshake frame a local-endpoint
// connection must send before any QMI traffic.
func readHello(r *bufio.Reader) (ClientHello, error) {
	frame, err := readFrame(r)
	if err != nil {
		return ClientHello{}, err
	}
	var hello ClientHello
	if err := json.Unmarshal(frame, &hello); err != nil {
		return ClientHello{}, &qmi.Error{Kind: qmi.KindInvalidData, Op: "read_hello", Err: err}
	}
	if hello.DevicePath == "" {
		return ClientHello{}, &qmi.Error{Kind: qmi.KindInvalidArgs, Op: "read_hello", Msg: "hello missing device_path"}
	}
	return hello, nil
}

// writeHello encodes and writes a handshake frame; used by clients of
// this package, and by tests standing in for one.
func writeHello(w io.Writer, hello ClientHello) error {
	frame, err := json.Marshal(hello)
	if err != nil {
		return &qmi.Error{Kind: qmi.KindInvalidArgs, Op: "write_hello", Err: err}
	}
	return writeFrame(w, frame)
}

// ServeConn drives one local-endpoint connection end to end: it reads
// the hello, registers the client with p, then loops reading framed
// QMI messages and handing them to p.HandleClientMessage until the
// connection closes or ctx is cancelled. Indications and responses
// share conn through a single writer mutex, since both
// deliverIndication and the per-message response path call send.
func ServeConn(ctx context.Context, p *Proxy, conn net.Conn) error {
	defer conn.Close()

	r := bufio.NewReader(conn)
	hello, err := readHello(r)
	if err != nil {
		return err
	}

	var writeMu sync.Mutex
	send := func(raw []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return writeFrame(conn, raw)
	}

	clientID, err := p.Connect(hello, send)
	if err != nil {
		return err
	}
	defer p.Disconnect(context.Background(), clientID)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		raw, err := readFrame(r)
		if err != nil {
			return err
		}
		if err := p.HandleClientMessage(ctx, clientID, raw); err != nil {
			if p.log != nil {
				p.log.Debugf("proxy: client %s message failed: %v", clientID, err)
			}
		}
	}
}
