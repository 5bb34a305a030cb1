// Package hub carries the shared store and the relay bus between the
// background process and tab processes over one long-lived socket
// connection per tab. Each frame is a self-delimiting CBOR value, so no
// length prefix is needed.
package hub

import (
	"net"
	"strings"

	"github.com/satindergrewal/spoly/internal/relay"
	"github.com/satindergrewal/spoly/internal/store"
)

// Actions a client may request.
const (
	actionHello   = "hello"
	actionGet     = "get"
	actionSet     = "set"
	actionCAS     = "cas"
	actionPublish = "publish"
)

// Events pushed by the server, always with id 0.
const (
	eventMessage = "message"
	eventChanges = "changes"
)

type request struct {
	ID     uint64 `cbor:"id"`
	Action string `cbor:"action"`

	Tab     *relay.Tab     `cbor:"tab,omitempty"`
	Keys    []string       `cbor:"keys,omitempty"`
	Entries store.Values   `cbor:"entries,omitempty"`
	Key     string         `cbor:"key,omitempty"`
	Old     []byte         `cbor:"old"`
	New     []byte         `cbor:"new"`
	Message *relay.Message `cbor:"message,omitempty"`
}

type response struct {
	ID    uint64 `cbor:"id"`
	Event string `cbor:"event,omitempty"`
	Error string `cbor:"error,omitempty"`

	Values  store.Values   `cbor:"values,omitempty"`
	Swapped bool           `cbor:"swapped,omitempty"`
	Message *relay.Message `cbor:"message,omitempty"`
	Changes []store.Change `cbor:"changes,omitempty"`
}

// network picks the socket family for address: host:port is TCP,
// anything else is a Unix socket path.
func network(address string) string {
	if strings.Contains(address, "/") {
		return "unix"
	}
	if _, _, err := net.SplitHostPort(address); err == nil {
		return "tcp"
	}
	return "unix"
}
