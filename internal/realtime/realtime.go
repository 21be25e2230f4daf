// Package realtime defines the ephemeral key-value service used for cursors,
// presence and in-progress drag previews. Nodes are addressed by
// slash-separated paths and watched per parent.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrClosed is returned by calls on a closed connection.
var ErrClosed = errors.New("realtime connection closed")

// Children maps child name to raw value under one parent path.
type Children map[string][]byte

// Store is one client connection to the ephemeral service.
type Store interface {
	// Set writes the node at p.
	Set(ctx context.Context, p string, value []byte) error
	// Remove deletes the node at p. Removing a missing node is not an error.
	Remove(ctx context.Context, p string) error
	// WatchChildren calls onChange with every child of parent, once at start
	// and again after each change, until stop is called or ctx ends.
	WatchChildren(ctx context.Context, parent string, onChange func(Children), onError func(error)) (stop func(), err error)
	// OnDisconnectRemove arms removal of p if this connection drops without
	// a graceful Close of the node. cancel disarms it.
	OnDisconnectRemove(ctx context.Context, p string) (cancel func(), err error)
	// Close ends the connection and runs every armed removal.
	Close() error
}

// ErrInvalidPath is returned for node paths built from unsafe segments.
var ErrInvalidPath = errors.New("invalid node path")

// Join builds a node path from segments. Every segment must name exactly one
// node: empty, "." and ".." segments and segments holding a separator or a
// control character are rejected.
func Join(segments ...string) (string, error) {
	for _, seg := range segments {
		if err := checkSegment(seg); err != nil {
			return "", err
		}
	}
	return path.Join(segments...), nil
}

func checkSegment(seg string) error {
	if seg == "" || seg == "." || seg == ".." {
		return fmt.Errorf("%w: segment %q", ErrInvalidPath, seg)
	}
	for _, r := range seg {
		if r == '/' || r == '\\' || r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: segment %q", ErrInvalidPath, seg)
		}
	}
	return nil
}

// Split returns the parent path and child name of p.
func Split(p string) (parent, child string, err error) {
	p = strings.Trim(p, "/")
	i := strings.LastIndexByte(p, '/')
	if i <= 0 || i == len(p)-1 {
		return "", "", fmt.Errorf("invalid node path %q", p)
	}
	return p[:i], p[i+1:], nil
}
