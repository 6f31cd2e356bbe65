//go:build linux

// Package device implements the char-device transport: the
// /dev/cdc-wdm* style node a QMI modem exposes, read and written as a
// byte stream that happens to carry whole QMUX frames back to back.
package device

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/linux-mobile-broadband/qmi-go/logctx"
	"github.com/linux-mobile-broadband/qmi-go/qmi"
)

// Device is a transaction.Transport backed by a QMI char device. It
// owns a read goroutine that de-frames the byte stream into whole
// messages with qmi.Next, buffering a partial trailing message across
// reads the way a char device's line discipline never does for you.
type Device struct {
	path string
	log  *logctx.Context
	f    *os.File

	inbound chan []byte

	closeOnce sync.Once
	writeMu   sync.Mutex
}

// Open opens path (e.g. "/dev/cdc-wdm0") read-write and starts the
// de-framing read loop.
func Open(path string, log *logctx.Context) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, &qmi.Error{Kind: qmi.KindTransport, Op: "device_open", Err: err}
	}
	d := &Device{
		path:    path,
		log:     log,
		f:       os.NewFile(uintptr(fd), path),
		inbound: make(chan []byte, 16),
	}
	go d.readLoop()
	return d, nil
}

func (d *Device) readLoop() {
	defer close(d.inbound)
	var pending []byte
	buf := make([]byte, 16384)
	for {
		n, err := d.f.Read(buf)
		if err != nil {
			return
		}
		var frames [][]byte
		var malformed error
		frames, pending, malformed = deframe(append(pending, buf[:n]...))
		if malformed != nil && d.log != nil {
			d.log.Debugf("device: dropping malformed frame from %s: %v", d.path, malformed)
		}
		for _, raw := range frames {
			select {
			case d.inbound <- raw:
			default:
				if d.log != nil {
					d.log.Warnf("device: inbound queue full for %s, dropping a message", d.path)
				}
			}
		}
	}
}

// deframe splits pending into as many complete QMUX frames as it
// holds, returning the leftover partial tail for the next read. A
// malformed leading frame resets the buffer (the stream has lost
// sync, and nothing short of the device reconnecting recovers it) and
// is reported via the returned error; the bytes that followed it in
// pending are dropped with it, and only frames split off before it are
// returned.
func deframe(pending []byte) (frames [][]byte, rest []byte, malformed error) {
	for {
		msg, tail, err := qmi.Next(pending)
		if err != nil {
			malformed = err
			pending = nil
			break
		}
		if msg == nil {
			pending = tail
			break
		}
		frames = append(frames, msg.Raw())
		pending = tail
	}
	return frames, pending, malformed
}

// Send writes raw (a complete QMUX frame) to the device.
func (d *Device) Send(raw []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if _, err := d.f.Write(raw); err != nil {
		return &qmi.Error{Kind: qmi.KindTransport, Op: "device_send", Err: err}
	}
	return nil
}

// Inbound returns the channel of fully-framed inbound messages.
func (d *Device) Inbound() <-chan []byte { return d.inbound }

// Close releases the underlying file descriptor.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() { err = d.f.Close() })
	return err
}
