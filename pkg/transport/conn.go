package transport

import (
	"context"
	"errors"
	"io"

	"github.com/emergingrobotics/go-vpulink/pkg/driver"
)

// Conn is a blocking stream over one sub-channel
type Conn struct {
	ctx context.Context
	t   *Transport
	ch  *Channel
}

var _ io.ReadWriteCloser = (*Conn)(nil)

// Open opens sub-channel id as a blocking stream. Reads and writes give
// up when ctx is done.
func (t *Transport) Open(ctx context.Context, id int) (*Conn, error) {
	ch := t.Channel(id)
	if ch == nil {
		return nil, driver.NewError(driver.StatusInvalidArgument, "no such sub-channel")
	}
	if err := ch.Open(); err != nil {
		return nil, err
	}
	return &Conn{ctx: ctx, t: t, ch: ch}, nil
}

// Read blocks until at least one byte is available. It returns io.EOF
// once the channel is closed.
func (c *Conn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		wait := c.ch.ReadNotify()
		n, err := c.ch.Read(p)
		if errors.Is(err, driver.ErrNotOpen) {
			return 0, io.EOF
		}
		if err != nil || n > 0 {
			return n, err
		}

		select {
		case <-wait:
		case <-c.ctx.Done():
			return 0, c.ctx.Err()
		}
	}
}

// Write blocks until all of p is queued
func (c *Conn) Write(p []byte) (int, error) {
	done := 0
	for done < len(p) {
		wait := c.t.WriteNotify()
		n, err := c.ch.Write(p[done:])
		done += n
		if err != nil {
			return done, err
		}
		if n > 0 {
			continue
		}

		select {
		case <-wait:
		case <-c.ctx.Done():
			return done, c.ctx.Err()
		}
	}
	return done, nil
}

func (c *Conn) Close() error {
	return c.ch.Close()
}
