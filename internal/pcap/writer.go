// Package pcap writes classic libpcap capture streams of ethernet frames.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

// LinkTypeEthernet is the tcpdump DLT for ethernet frames.
const LinkTypeEthernet uint32 = 1

// DefaultSnapLen keeps every byte of a jumbo-free ethernet frame.
const DefaultSnapLen = 65535

var ErrClosed = errors.New("pcap: writer closed")

// Writer emits a pcap stream. It is safe for concurrent use: the transmit
// path and the receive path of a device may capture at the same time.
type Writer struct {
	mu      sync.Mutex
	w       io.Writer
	snapLen uint32
	now     func() time.Time
	frames  uint64
	closed  bool
}

// NewWriter writes the global header for an ethernet capture to out and
// returns a Writer ready for frames. A zero snapLen selects DefaultSnapLen.
func NewWriter(out io.Writer, snapLen uint32) (*Writer, error) {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}

	var hdr [24]byte
	binary.LittleEndian.PutUint32(hdr[0:4], 0xa1b2c3d4)
	binary.LittleEndian.PutUint16(hdr[4:6], 2)
	binary.LittleEndian.PutUint16(hdr[6:8], 4)
	binary.LittleEndian.PutUint32(hdr[16:20], snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], LinkTypeEthernet)
	if _, err := out.Write(hdr[:]); err != nil {
		return nil, fmt.Errorf("pcap: write header: %w", err)
	}

	return &Writer{w: out, snapLen: snapLen, now: time.Now}, nil
}

// WriteFrame records one frame stamped with the current time. Frames longer
// than the snap length are truncated in the capture but keep their original
// length in the record header.
func (w *Writer) WriteFrame(frame []byte) error {
	return w.WriteFrameAt(w.now(), frame)
}

// WriteFrameAt records one frame with an explicit timestamp.
func (w *Writer) WriteFrameAt(ts time.Time, frame []byte) error {
	if len(frame) > math.MaxUint32 {
		return fmt.Errorf("pcap: frame length %d overflows uint32", len(frame))
	}
	captured := frame
	if uint32(len(captured)) > w.snapLen {
		captured = captured[:w.snapLen]
	}

	var rec [16]byte
	if !ts.IsZero() {
		sec := ts.Unix()
		if sec < 0 || sec > math.MaxUint32 {
			return fmt.Errorf("pcap: timestamp seconds %d out of range", sec)
		}
		binary.LittleEndian.PutUint32(rec[0:4], uint32(sec))
		binary.LittleEndian.PutUint32(rec[4:8], uint32(ts.Nanosecond()/1_000))
	}
	binary.LittleEndian.PutUint32(rec[8:12], uint32(len(captured)))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(frame)))

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	if _, err := w.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if _, err := w.w.Write(captured); err != nil {
		return fmt.Errorf("pcap: write frame: %w", err)
	}
	w.frames++
	return nil
}

// Frames reports how many frames have been recorded.
func (w *Writer) Frames() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Close stops further writes. It does not close the underlying writer.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}
