package config

import (
	"context"
)

// Source defines the interface for route document sources.
// It abstracts where the gateway reads its route configuration from
// (a local file, an etcd key, ...) so the refresh service can load and
// watch it without knowing the backend.
type Source interface {
	// Get retrieves the complete route document.
	// The returned bytes are YAML or JSON; an empty document is valid.
	Get(ctx context.Context) ([]byte, error)

	// Watch monitors the source and returns a channel that delivers the
	// complete document every time it changes. The current content is not
	// sent on setup; callers load it with Get first.
	//
	// The channel is closed when ctx is cancelled or the source is closed.
	Watch(ctx context.Context) (<-chan []byte, error)

	// Name describes the source for logs and introspection.
	Name() string

	// Close stops every watcher and releases resources.
	Close() error
}
