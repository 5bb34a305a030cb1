package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/satindergrewal/spoly/internal/codec"
	"github.com/satindergrewal/spoly/internal/relay"
	"github.com/satindergrewal/spoly/internal/store"
)

// writeTimeout bounds a single frame write. A tab that stops reading is
// disconnected rather than stalling its forwarders.
const writeTimeout = 10 * time.Second

// Server exposes a Store and a relay Bus to socket clients.
type Server struct {
	store  store.Store
	bus    relay.Bus
	logger *slog.Logger

	activeConnections sync.WaitGroup
}

// NewServer creates a server for st and bus.
func NewServer(st store.Store, bus relay.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{store: st, bus: bus, logger: logger}
}

// Listen opens address, removing a stale Unix socket file first.
func Listen(address string) (net.Listener, error) {
	netw := network(address)
	if netw == "unix" {
		if err := os.Remove(address); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("removing stale socket %s: %w", address, err)
		}
	}
	listener, err := net.Listen(netw, address)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", address, err)
	}
	return listener, nil
}

// Serve accepts connections until ctx is cancelled, then waits for every
// connection handler to return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("hub listening", "address", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// connection is one tab's session with the server.
type connection struct {
	conn   net.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	enc     *codec.Encoder

	tab     relay.Tab
	sub     *relay.Subscription
	watcher *store.Watcher
}

func (c *connection) write(resp response) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.enc.Encode(resp)
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	c := &connection{conn: conn, logger: s.logger, enc: codec.NewEncoder(conn)}
	defer func() {
		if c.sub != nil {
			c.sub.Close()
		}
		if c.watcher != nil {
			c.watcher.Close()
		}
		if c.tab.ID != "" {
			s.logger.Info("tab disconnected", "tab", c.tab.ID)
		}
	}()

	dec := codec.NewDecoder(conn)
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("hub read failed", "tab", c.tab.ID, "error", err)
			}
			return
		}

		resp := s.dispatch(ctx, c, &req)
		resp.ID = req.ID
		if err := c.write(resp); err != nil {
			s.logger.Debug("hub write failed", "tab", c.tab.ID, "error", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, c *connection, req *request) response {
	var resp response
	switch req.Action {
	case actionHello:
		if req.Tab == nil || req.Tab.ID == "" {
			resp.Error = "hello: missing tab"
			return resp
		}
		if c.sub != nil {
			resp.Error = "hello: already registered"
			return resp
		}
		c.tab = *req.Tab
		c.sub = s.bus.Subscribe(c.tab)
		c.watcher = s.store.Watch()
		go c.forwardMessages(c.sub)
		go c.forwardChanges(c.watcher)
		s.logger.Info("tab connected", "tab", c.tab.ID, "url", c.tab.URL)

	case actionGet:
		values, err := s.store.Get(ctx, req.Keys...)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Values = values

	case actionSet:
		if err := s.store.Set(ctx, req.Entries); err != nil {
			resp.Error = err.Error()
		}

	case actionCAS:
		swapped, err := s.store.CompareAndSwap(ctx, req.Key, req.Old, req.New)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
		resp.Swapped = swapped

	case actionPublish:
		if req.Message == nil {
			resp.Error = "publish: missing message"
			return resp
		}
		msg := *req.Message
		if msg.From == "" {
			msg.From = c.tab.ID
		}
		if err := s.bus.Publish(ctx, msg); err != nil {
			resp.Error = err.Error()
		}

	default:
		resp.Error = fmt.Sprintf("unknown action %q", req.Action)
	}
	return resp
}

// forwardMessages pushes relay broadcasts to the tab. A failed write
// ends forwarding; the read loop notices the dead connection.
func (c *connection) forwardMessages(sub *relay.Subscription) {
	for msg := range sub.C {
		if err := c.write(response{Event: eventMessage, Message: &msg}); err != nil {
			c.logger.Debug("dropping broadcast to vanished tab", "tab", c.tab.ID, "error", err)
			c.conn.Close()
			return
		}
	}
}

func (c *connection) forwardChanges(w *store.Watcher) {
	for changes := range w.C {
		if err := c.write(response{Event: eventChanges, Changes: changes}); err != nil {
			c.conn.Close()
			return
		}
	}
}
