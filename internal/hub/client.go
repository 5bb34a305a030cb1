package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/satindergrewal/spoly/internal/codec"
	"github.com/satindergrewal/spoly/internal/relay"
	"github.com/satindergrewal/spoly/internal/store"
)

// ErrDisconnected is returned by operations after the connection to the
// hub has been lost or closed.
var ErrDisconnected = errors.New("hub: disconnected")

const subscriptionBuffer = 64

// Client is a tab's connection to the hub. It implements both
// store.Store and relay.Bus.
type Client struct {
	conn   net.Conn
	tab    relay.Tab
	logger *slog.Logger

	writeMu sync.Mutex
	enc     *codec.Encoder

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan response
	subs    map[*relay.Subscription]struct{}
	err     error

	watchers *store.Notifier
	done     chan struct{}
}

var (
	_ store.Store = (*Client)(nil)
	_ relay.Bus   = (*Client)(nil)
)

// Dial connects to the hub at address and registers tab.
func Dial(ctx context.Context, address string, tab relay.Tab, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, network(address), address)
	if err != nil {
		return nil, fmt.Errorf("hub: dialing %s: %w", address, err)
	}

	c := &Client{
		conn:     conn,
		tab:      tab,
		logger:   logger,
		enc:      codec.NewEncoder(conn),
		pending:  make(map[uint64]chan response),
		subs:     make(map[*relay.Subscription]struct{}),
		watchers: store.NewNotifier(logger),
		done:     make(chan struct{}),
	}
	go c.readLoop()

	if _, err := c.roundTrip(ctx, request{Action: actionHello, Tab: &tab}); err != nil {
		c.Close()
		return nil, fmt.Errorf("hub: hello: %w", err)
	}
	return c, nil
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close disconnects from the hub.
func (c *Client) Close() error {
	c.shutdown(ErrDisconnected)
	return nil
}

func (c *Client) Get(ctx context.Context, keys ...string) (store.Values, error) {
	resp, err := c.roundTrip(ctx, request{Action: actionGet, Keys: keys})
	if err != nil {
		return nil, err
	}
	if resp.Values == nil {
		return store.Values{}, nil
	}
	return resp.Values, nil
}

func (c *Client) Set(ctx context.Context, entries store.Values) error {
	_, err := c.roundTrip(ctx, request{Action: actionSet, Entries: entries})
	return err
}

func (c *Client) CompareAndSwap(ctx context.Context, key string, old, next []byte) (bool, error) {
	resp, err := c.roundTrip(ctx, request{Action: actionCAS, Key: key, Old: old, New: next})
	if err != nil {
		return false, err
	}
	return resp.Swapped, nil
}

func (c *Client) Watch() *store.Watcher {
	return c.watchers.Watch()
}

func (c *Client) Publish(ctx context.Context, msg relay.Message) error {
	_, err := c.roundTrip(ctx, request{Action: actionPublish, Message: &msg})
	return err
}

// Subscribe returns a local subscription fed by the hub's broadcasts to
// this client's tab. The tab argument is informational; registration
// happened at Dial.
func (c *Client) Subscribe(tab relay.Tab) *relay.Subscription {
	sub := relay.NewSubscription(subscriptionBuffer, c.unsubscribe)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		sub.Finish()
		return sub
	}
	c.subs[sub] = struct{}{}
	return sub
}

func (c *Client) unsubscribe(sub *relay.Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sub]; ok {
		delete(c.subs, sub)
		sub.Finish()
	}
}

func (c *Client) roundTrip(ctx context.Context, req request) (response, error) {
	ch := make(chan response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return response{}, err
	}
	c.nextID++
	req.ID = c.nextID
	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.enc.Encode(req)
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(fmt.Errorf("%w: %v", ErrDisconnected, err))
		return response{}, ErrDisconnected
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, fmt.Errorf("hub: %s: %s", req.Action, resp.Error)
		}
		return resp, nil
	case <-c.done:
		return response{}, c.Err()
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

func (c *Client) readLoop() {
	dec := codec.NewDecoder(c.conn)
	for {
		var resp response
		if err := dec.Decode(&resp); err != nil {
			c.shutdown(fmt.Errorf("%w: %v", ErrDisconnected, err))
			return
		}
		if resp.ID == 0 {
			c.handleEvent(resp)
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) handleEvent(resp response) {
	switch resp.Event {
	case eventMessage:
		if resp.Message == nil {
			return
		}
		c.mu.Lock()
		for sub := range c.subs {
			if !sub.Deliver(*resp.Message) {
				c.logger.Debug("local subscriber not receiving, dropped message", "kind", resp.Message.Kind)
			}
		}
		c.mu.Unlock()
	case eventChanges:
		c.watchers.Notify(resp.Changes)
	default:
		c.logger.Debug("unknown hub event", "event", resp.Event)
	}
}

func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = cause
	for sub := range c.subs {
		delete(c.subs, sub)
		sub.Finish()
	}
	c.mu.Unlock()

	c.conn.Close()
	c.watchers.CloseAll()
	close(c.done)
}
