// Package network defines what the engine needs from the messaging network.
// The protocol itself lives behind Network implementations.
package network

import (
	"context"
	"errors"

	"github.com/princeshiamofficial/portal-sub000/pkg/model"
)

type EventKind string

const (
	// EventPairing carries a pairing payload to be shown to the operator.
	EventPairing EventKind = "qr"
	// EventPaired carries credentials that let a later Open skip pairing.
	EventPaired EventKind = "paired"
	// EventReady means the connection can send; Identity is set.
	EventReady EventKind = "ready"
	// EventDisconnected ends the connection. LoggedOut distinguishes a
	// logout (credentials revoked) from a transient drop.
	EventDisconnected EventKind = "disconnected"
	// EventPairingTimeout means nobody approved the pairing in time.
	EventPairingTimeout EventKind = "pairing_timeout"
)

type Event struct {
	Kind        EventKind
	Pairing     string
	Credentials []byte
	Identity    model.Identity
	LoggedOut   bool
	Reason      string
}

type Message struct {
	Text     string
	MediaRef string
	Caption  string
}

var ErrRejected = errors.New("network rejected message")

type Network interface {
	// Open starts a connection for tenant. creds may be nil, in which case
	// the connection goes through pairing.
	Open(ctx context.Context, tenant string, creds []byte) (Conn, error)
}

type Conn interface {
	// Events is closed when the connection is gone.
	Events() <-chan Event
	Send(ctx context.Context, to string, msg Message) error
	Logout(ctx context.Context) error
	Close() error
}
