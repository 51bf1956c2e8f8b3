// Package async adapts a tree.Tree, which is not safe for concurrent use,
// into a handle that can be shared across goroutines: a single owning
// goroutine drains a bounded command channel and is the only thing that
// ever touches the tree directly.
package async

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dapperlabs/mstree/digest"
	mstreeerrors "github.com/dapperlabs/mstree/errors"
	"github.com/dapperlabs/mstree/tree"
)

// QueueCapacity is the default bound on outstanding commands; a send that
// would block past this returns ResourceBusy instead.
const QueueCapacity = 512

type commandKind int

const (
	cmdInsert commandKind = iota
	cmdRemove
	cmdGet
	cmdContains
	cmdCommit
	cmdCompact
)

type command[K any, V any] struct {
	kind  commandKind
	key   K
	value V
	path  string
	reply chan result[K, V]
}

type result[K any, V any] struct {
	value  V
	found  bool
	err    error
	digest digest.Digest
}

// Tree is the async-safe handle returned by New. Every exported method
// sends a command to the owning goroutine and waits for its reply; none of
// them touch the wrapped tree.Tree directly.
type Tree[K any, V any] struct {
	log zerolog.Logger

	commands chan command[K, V]
	done     chan struct{}
	closed   chan struct{}
	once     sync.Once
}

// New spawns the owning goroutine over t and returns a handle to it. The
// goroutine runs until Done is called.
func New[K any, V any](t *tree.Tree[K, V], log zerolog.Logger) *Tree[K, V] {
	at := &Tree[K, V]{
		log:      log,
		commands: make(chan command[K, V], QueueCapacity),
		done:     make(chan struct{}),
		closed:   make(chan struct{}),
	}
	go at.run(t)
	return at
}

func (a *Tree[K, V]) run(t *tree.Tree[K, V]) {
	defer close(a.closed)
	for {
		select {
		case cmd, ok := <-a.commands:
			if !ok {
				return
			}
			a.handle(t, cmd)
		case <-a.done:
			return
		}
	}
}

func (a *Tree[K, V]) handle(t *tree.Tree[K, V], cmd command[K, V]) {
	var r result[K, V]
	switch cmd.kind {
	case cmdInsert:
		r.err = t.Insert(cmd.key, cmd.value)
	case cmdRemove:
		r.found, r.err = t.Remove(cmd.key)
	case cmdGet:
		r.value, r.found, r.err = t.Get(cmd.key)
	case cmdContains:
		r.found, r.err = t.Contains(cmd.key)
	case cmdCommit:
		r.err = t.Commit()
		r.digest = t.RootHash()
	case cmdCompact:
		r.err = t.Compact(cmd.path)
		r.digest = t.RootHash()
	}
	cmd.reply <- r
}

// send enqueues cmd, translating a full queue or a closed worker into typed
// errors instead of blocking forever or panicking on a send to a closed
// channel.
func (a *Tree[K, V]) send(ctx context.Context, cmd command[K, V]) (result[K, V], error) {
	select {
	case a.commands <- cmd:
	case <-a.closed:
		return result[K, V]{}, mstreeerrors.New(mstreeerrors.WorkerDisconnected, "async tree worker has stopped")
	default:
		return result[K, V]{}, mstreeerrors.New(mstreeerrors.ResourceBusy, "command queue full")
	}

	select {
	case r := <-cmd.reply:
		return r, r.err
	case <-a.closed:
		return result[K, V]{}, mstreeerrors.New(mstreeerrors.WorkerDisconnected, "async tree worker has stopped")
	case <-ctx.Done():
		return result[K, V]{}, ctx.Err()
	}
}

// Insert binds key to value on the owning goroutine.
func (a *Tree[K, V]) Insert(ctx context.Context, key K, value V) error {
	_, err := a.send(ctx, command[K, V]{kind: cmdInsert, key: key, value: value, reply: make(chan result[K, V], 1)})
	return err
}

// Remove deletes key, reporting whether it was present.
func (a *Tree[K, V]) Remove(ctx context.Context, key K) (bool, error) {
	r, err := a.send(ctx, command[K, V]{kind: cmdRemove, key: key, reply: make(chan result[K, V], 1)})
	return r.found, err
}

// Get returns the value bound to key, if any.
func (a *Tree[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	r, err := a.send(ctx, command[K, V]{kind: cmdGet, key: key, reply: make(chan result[K, V], 1)})
	return r.value, r.found, err
}

// Contains reports whether key is present.
func (a *Tree[K, V]) Contains(ctx context.Context, key K) (bool, error) {
	r, err := a.send(ctx, command[K, V]{kind: cmdContains, key: key, reply: make(chan result[K, V], 1)})
	return r.found, err
}

// Commit durably persists the working tree and returns its root digest.
func (a *Tree[K, V]) Commit(ctx context.Context) (digest.Digest, error) {
	r, err := a.send(ctx, command[K, V]{kind: cmdCommit, reply: make(chan result[K, V], 1)})
	return r.digest, err
}

// Compact rewrites the tree into a fresh file at path and returns the
// resulting root digest.
func (a *Tree[K, V]) Compact(ctx context.Context, path string) (digest.Digest, error) {
	r, err := a.send(ctx, command[K, V]{kind: cmdCompact, path: path, reply: make(chan result[K, V], 1)})
	return r.digest, err
}

// Ready signals readiness immediately; the owning goroutine starts
// draining commands as soon as New returns.
func (a *Tree[K, V]) Ready() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Done signals the owning goroutine to stop and returns a channel that
// closes once it has exited. The command channel itself stays open, and
// commands still queued when the goroutine stops are not processed; their
// callers get a WorkerDisconnected error.
func (a *Tree[K, V]) Done() <-chan struct{} {
	a.once.Do(func() {
		close(a.done)
	})
	return a.closed
}
