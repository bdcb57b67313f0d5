package main

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/emergingrobotics/go-vpulink/pkg/driver"
	"github.com/emergingrobotics/go-vpulink/pkg/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// bridge relays one TCP client at a time to a sub-channel. A second
// client is turned away while the sub-channel is in use.
type bridge struct {
	l  *logrus.Logger
	t  *transport.Transport
	ln net.Listener
	id int
}

func newBridge(l *logrus.Logger, t *transport.Transport, listen string, id int) (*bridge, error) {
	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	return &bridge{l: l, t: t, ln: ln, id: id}, nil
}

func (b *bridge) Addr() net.Addr {
	return b.ln.Addr()
}

// Serve accepts clients until ctx is done
func (b *bridge) Serve(ctx context.Context) error {
	b.l.WithField("listen", b.ln.Addr()).WithField("channel", b.id).Info("Bridge listening")

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		return b.ln.Close()
	})
	eg.Go(func() error {
		for {
			c, err := b.ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			eg.Go(func() error {
				b.handle(ctx, c)
				return nil
			})
		}
	})
	return eg.Wait()
}

func (b *bridge) handle(ctx context.Context, c net.Conn) {
	defer c.Close()
	l := b.l.WithField("remote", c.RemoteAddr())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := b.t.Open(ctx, b.id)
	if err != nil {
		if errors.Is(err, driver.ErrAlreadyOpen) {
			l.Warn("Sub-channel busy, dropping client")
		} else {
			l.WithError(err).Error("Failed to open sub-channel")
		}
		return
	}
	l.Info("Bridge client connected")

	go func() {
		<-ctx.Done()
		conn.Close()
		c.Close()
	}()

	done := make(chan struct{}, 2)
	go func() {
		if _, err := io.Copy(conn, c); err != nil && ctx.Err() == nil {
			l.WithError(err).Debug("Client to device copy ended")
		}
		done <- struct{}{}
	}()
	go func() {
		if _, err := io.Copy(c, conn); err != nil && ctx.Err() == nil {
			l.WithError(err).Debug("Device to client copy ended")
		}
		done <- struct{}{}
	}()

	<-done
	cancel()
	<-done
	l.Info("Bridge client disconnected")
}
