package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/keefertaylor/templewallet-extension/pkg/core"
)

// ErrChannelClosed terminates every correlation still pending when the
// transport goes away; no call may hang past the channel's lifetime.
var ErrChannelClosed = errors.New("channel closed")

type callResult struct {
	data json.RawMessage
	err  error
}

// Client is the front-end side of a channel: it correlates each outgoing
// request to its eventual response by reqId and surfaces subscription
// envelopes on Notifications.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan callResult
	closed  bool

	notes chan Notification
	done  chan struct{}
	once  sync.Once
}

// Dial connects to the daemon socket and starts the read loop.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[string]chan callResult),
		notes:   make(chan Notification, 64),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Notifications delivers subscription envelopes observed on this channel.
// Slow consumers lose notifications rather than blocking the read loop.
// The channel is closed once the connection dies, so ranging over it
// terminates.
func (c *Client) Notifications() <-chan Notification {
	return c.notes
}

// Call sends one request and blocks until its correlated response or
// error arrives, the context is done, or the channel closes.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	data, err := json.Marshal(Request{Method: method, Params: raw})
	if err != nil {
		return nil, err
	}
	reqID := core.NewID()
	payload, err := json.Marshal(Envelope{Type: TypeRequest, ReqID: reqID, Data: data})
	if err != nil {
		return nil, err
	}

	result := make(chan callResult, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	c.pending[reqID] = result
	c.mu.Unlock()

	c.writeMu.Lock()
	err = writeFrame(c.conn, payload)
	c.writeMu.Unlock()
	if err != nil {
		c.discard(reqID)
		c.Close()
		return nil, ErrChannelClosed
	}

	select {
	case <-ctx.Done():
		c.discard(reqID)
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrChannelClosed
	case res := <-result:
		return res.data, res.err
	}
}

func (c *Client) readLoop() {
	// Sole sender on notes: closing it here lets ranging consumers
	// terminate when the channel dies.
	defer close(c.notes)
	for {
		payload, err := readFrame(c.conn)
		if err != nil {
			c.Close()
			return
		}
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			continue
		}
		switch env.Type {
		case TypeResponse:
			c.settle(env.ReqID, callResult{data: env.Data})
		case TypeError:
			code := env.Code
			if code == "" {
				code = CodeProtocol
			}
			c.settle(env.ReqID, callResult{err: Errorf(code, env.Message)})
		case TypeSubscription:
			var note Notification
			if err := json.Unmarshal(env.Data, &note); err != nil {
				continue
			}
			select {
			case c.notes <- note:
			default:
			}
		}
	}
}

// settle resolves a pending correlation exactly once; envelopes with
// unknown or already-settled reqIds are ignored, which defends against
// duplicate or late delivery.
func (c *Client) settle(reqID string, res callResult) {
	c.mu.Lock()
	result, ok := c.pending[reqID]
	if ok {
		delete(c.pending, reqID)
	}
	c.mu.Unlock()
	if ok {
		result <- res
	}
}

func (c *Client) discard(reqID string) {
	c.mu.Lock()
	delete(c.pending, reqID)
	c.mu.Unlock()
}

// Close tears down the channel and rejects every outstanding correlation
// with ErrChannelClosed.
func (c *Client) Close() error {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		for id, result := range c.pending {
			delete(c.pending, id)
			result <- callResult{err: ErrChannelClosed}
		}
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
	return nil
}
