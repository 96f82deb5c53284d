// Package archive moves sealed data batches from a local archive to
// remote destinations.
//
// One worker goroutine drains a de-duplicating queue. Every item has a
// bounded number of attempts, and every destination a bounded number of
// consecutive failures; a destination over its budget is parked until it
// uploads successfully, receives a new item, or comes back online.
package archive

import (
	"context"
	"errors"
	"fmt"
)

// Network is the connectivity an upload requires.
type Network int

const (
	// NetworkAny accepts any connection.
	NetworkAny Network = iota
	// NetworkUnmetered requires a connection without usage charges.
	NetworkUnmetered
)

func (n Network) String() string {
	switch n {
	case NetworkAny:
		return "any"
	case NetworkUnmetered:
		return "unmetered"
	default:
		return fmt.Sprintf("Network(%d)", int(n))
	}
}

// ParseNetwork parses the names returned by Network.String.
func ParseNetwork(s string) (Network, error) {
	switch s {
	case "", "any":
		return NetworkAny, nil
	case "unmetered", "wifi":
		return NetworkUnmetered, nil
	default:
		return 0, fmt.Errorf("unknown network constraint %q", s)
	}
}

// Item is one pending upload of a local batch to one destination.
type Item struct {
	LocalID    string
	RemoteID   string
	PayloadRef string
	Network    Network
	Attempts   int
}

// key is the identity the queue de-duplicates on.
func (i Item) key() string {
	return i.LocalID + "\x00" + i.RemoteID
}

// LocalArchive holds sealed batches until they are uploaded.
type LocalArchive interface {
	Add(ctx context.Context, id string, data []byte) (ref string, err error)
	Read(ctx context.Context, id string) ([]byte, error)
	Remove(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}

// RemoteArchive is an upload destination.
type RemoteArchive interface {
	ID() string
	Add(ctx context.Context, name string, data []byte) error
}

// Connectivity reports whether uploads requiring network can proceed.
type Connectivity interface {
	IsOnline(ctx context.Context, network Network) bool
}

// ErrNotFound is returned for a batch the local archive does not hold.
var ErrNotFound = errors.New("archive entry not found")

// UploadError is a failed upload attempt.
type UploadError struct {
	Destination string
	LocalID     string
	Attempts    int
	Err         error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload %s to %s (attempt %d): %v", e.LocalID, e.Destination, e.Attempts, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }
