package notify

import (
	"context"
	"errors"
	"sync"
)

var errRelayDown = errors.New("relay unavailable")

// fakeTransport fails the first sendFailures sends, then accepts everything.
type fakeTransport struct {
	mu           sync.Mutex
	dialErr      error
	sendFailures int
	dials        int
	closes       int
	sent         []Message
}

func (f *fakeTransport) Dial(context.Context) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dials++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return &fakeConn{transport: f}, nil
}

func (f *fakeTransport) counts() (dials, closes, sent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials, f.closes, len(f.sent)
}

type fakeConn struct {
	transport *fakeTransport
}

func (c *fakeConn) Send(_ context.Context, msg Message) error {
	f := c.transport
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendFailures > 0 {
		f.sendFailures--
		return errRelayDown
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.transport.mu.Lock()
	defer c.transport.mu.Unlock()
	c.transport.closes++
	return nil
}
