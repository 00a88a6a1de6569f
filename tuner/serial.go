package tuner

import (
	"context"
	"io"

	"captouch-go/errcode"
)

// Serial frame protocol for masters without a memory-mapped bus: the master
// sends read/write frames over a byte stream (UART on hardware, a pipe in
// tests) and the server answers against the registered buffer.
//
//	request:  op u8 ('R' or 'W'), off u16le, n u16le, [n bytes for 'W']
//	reply R:  'r' u8, n u16le, n bytes
//	reply W:  'w' u8, status u8 (0 = accepted)
const (
	opRead   = 'R'
	opWrite  = 'W'
	repRead  = 'r'
	repWrite = 'w'

	maxFrame = 512
)

// SerialServer serves the snapshot buffer to one external master over a
// byte stream. It is the register-interface transport of this firmware.
type SerialServer struct {
	rw  io.ReadWriter
	buf *Buffer
}

func NewSerialServer(rw io.ReadWriter) *SerialServer {
	return &SerialServer{rw: rw}
}

// SetBuffer registers the shared buffer. One-shot.
func (s *SerialServer) SetBuffer(b *Buffer) error {
	if s.buf != nil {
		return errcode.InitFailed
	}
	if b == nil {
		return errcode.InvalidParams
	}
	s.buf = b
	return nil
}

// Serve handles frames until the stream fails or ctx is cancelled. Run it
// in its own goroutine; it touches the buffer only through its critical
// section, so it may interleave with the foreground at any point.
func (s *SerialServer) Serve(ctx context.Context) error {
	if s.buf == nil {
		return errcode.InitFailed
	}
	var hdr [5]byte
	var data [maxFrame]byte
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		// Scan byte-wise for a frame start so line garbage desynchronises
		// one frame at most, never the link.
		if _, err := io.ReadFull(s.rw, hdr[:1]); err != nil {
			return err
		}
		if hdr[0] != opRead && hdr[0] != opWrite {
			continue
		}
		if _, err := io.ReadFull(s.rw, hdr[1:]); err != nil {
			return err
		}
		off := int(le.Uint16(hdr[1:]))
		n := int(le.Uint16(hdr[3:]))
		if n > maxFrame {
			// Corrupt length. Reject the frame and rescan for an op byte.
			if err := s.reject(hdr[0]); err != nil {
				return err
			}
			continue
		}
		switch hdr[0] {
		case opRead:
			if err := s.serveRead(off, n, data[:n]); err != nil {
				return err
			}
		case opWrite:
			if _, err := io.ReadFull(s.rw, data[:n]); err != nil {
				return err
			}
			if err := s.serveWrite(off, data[:n]); err != nil {
				return err
			}
		}
	}
}

// reject answers a malformed frame: zero-length read reply or a failed
// write status, matching what the master expects for its op.
func (s *SerialServer) reject(op byte) error {
	if op == opRead {
		_, err := s.rw.Write([]byte{repRead, 0, 0})
		return err
	}
	_, err := s.rw.Write([]byte{repWrite, 1})
	return err
}

func (s *SerialServer) serveRead(off, n int, p []byte) error {
	got, err := s.buf.ReadAt(p, off)
	if err != nil {
		got = 0
	}
	var rep [3]byte
	rep[0] = repRead
	le.PutUint16(rep[1:], uint16(got))
	if _, err := s.rw.Write(rep[:]); err != nil {
		return err
	}
	if got > 0 {
		if _, err := s.rw.Write(p[:got]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SerialServer) serveWrite(off int, p []byte) error {
	status := byte(0)
	if _, err := s.buf.WriteAt(p, off); err != nil {
		status = 1
	}
	_, err := s.rw.Write([]byte{repWrite, status})
	return err
}
