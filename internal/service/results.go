package service

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// maxFrame bounds a single result frame.
const maxFrame = 1 << 30

func writeFrame(w io.Writer, payload []byte) error {
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint64(hdr[:])
	if n > maxFrame {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	return payload, nil
}

// ResultChannel is the parent end of a task's one-shot result pipe. A
// reader goroutine moves the single frame into a buffered channel of
// capacity one, so Poll never blocks.
type ResultChannel struct {
	r      io.ReadCloser
	ch     chan []byte
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
	err    error
}

func NewResultChannel(r io.ReadCloser) *ResultChannel {
	c := &ResultChannel{
		r:    r,
		ch:   make(chan []byte, 1),
		done: make(chan struct{}),
	}
	go c.read()
	return c
}

func (c *ResultChannel) read() {
	defer close(c.done)
	payload, err := readFrame(c.r)
	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
			c.err = err
		}
		return
	}
	c.ch <- payload
}

// Poll returns the result if it has arrived and the channel is still open.
// The value is handed out once.
func (c *ResultChannel) Poll() ([]byte, bool) {
	if c.closed.Load() {
		return nil, false
	}
	select {
	case payload := <-c.ch:
		if c.closed.Load() {
			return nil, false
		}
		return payload, true
	default:
		return nil, false
	}
}

// Done is closed once the reader goroutine has finished, either with a
// frame, at end of stream or after Close.
func (c *ResultChannel) Done() <-chan struct{} {
	return c.done
}

// Err reports a malformed stream. It is valid after Done is closed.
func (c *ResultChannel) Err() error {
	<-c.done
	return c.err
}

// Close discards any pending or late result. It is safe to call more than
// once.
func (c *ResultChannel) Close() error {
	var err error
	c.once.Do(func() {
		c.closed.Store(true)
		err = c.r.Close()
	})
	return err
}
