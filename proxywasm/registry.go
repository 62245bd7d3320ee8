package proxywasm

import "fmt"

type rootEntry struct {
	ctx     RootContext
	active  bool
	started bool
	streams map[ContextID]struct{}
}

type streamEntry struct {
	ctx      StreamContext
	owner    ContextID
	state    StreamState
	detached bool
}

// Registry maps host-assigned context ids to root and stream contexts.
//
// A Registry is not safe for concurrent use. The host serializes every call
// into a sandbox instance, so the single dispatcher that owns the registry
// never sees concurrent mutation.
type Registry struct {
	roots   map[ContextID]*rootEntry
	streams map[ContextID]*streamEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		roots:   make(map[ContextID]*rootEntry),
		streams: make(map[ContextID]*streamEntry),
	}
}

func (r *Registry) live(id ContextID) bool {
	if _, ok := r.roots[id]; ok {
		return true
	}
	_, ok := r.streams[id]
	return ok
}

// RegisterRoot inserts a root context. It fails with ErrDuplicateID when id
// is already live.
func (r *Registry) RegisterRoot(id ContextID, root RootContext) error {
	if id == 0 {
		return fmt.Errorf("%w: zero id", ErrUnknownID)
	}
	if r.live(id) {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	r.roots[id] = &rootEntry{ctx: root, streams: make(map[ContextID]struct{})}
	return nil
}

// RegisterStream inserts a stream context owned by the root owner. It fails
// with ErrDuplicateID when id is live and ErrUnknownID when owner is not.
func (r *Registry) RegisterStream(id, owner ContextID, stream StreamContext) error {
	if id == 0 {
		return fmt.Errorf("%w: zero id", ErrUnknownID)
	}
	if r.live(id) {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	root, ok := r.roots[owner]
	if !ok {
		return fmt.Errorf("%w: owner root %d", ErrUnknownID, owner)
	}
	r.streams[id] = &streamEntry{ctx: stream, owner: owner, state: StreamCreated}
	root.streams[id] = struct{}{}
	return nil
}

func (r *Registry) root(id ContextID) (*rootEntry, error) {
	e, ok := r.roots[id]
	if !ok {
		return nil, fmt.Errorf("%w: root %d", ErrUnknownID, id)
	}
	return e, nil
}

func (r *Registry) stream(id ContextID) (*streamEntry, error) {
	e, ok := r.streams[id]
	if !ok {
		return nil, fmt.Errorf("%w: stream %d", ErrUnknownID, id)
	}
	return e, nil
}

// Root returns the root context registered under id.
func (r *Registry) Root(id ContextID) (RootContext, error) {
	e, err := r.root(id)
	if err != nil {
		return nil, err
	}
	return e.ctx, nil
}

// Stream returns the stream context registered under id.
func (r *Registry) Stream(id ContextID) (StreamContext, error) {
	e, err := r.stream(id)
	if err != nil {
		return nil, err
	}
	return e.ctx, nil
}

// StreamState returns the lifecycle state of a live stream.
func (r *Registry) StreamState(id ContextID) (StreamState, error) {
	e, err := r.stream(id)
	if err != nil {
		return StreamClosed, err
	}
	return e.state, nil
}

// Remove deletes id. Removing a root detaches the streams it still owns; they
// stay registered until the host deletes them but receive no more phase
// callbacks. Removing an id that is not live is a no-op.
func (r *Registry) Remove(id ContextID) {
	if root, ok := r.roots[id]; ok {
		for sid := range root.streams {
			if s, ok := r.streams[sid]; ok {
				s.detached = true
			}
		}
		delete(r.roots, id)
		return
	}
	if s, ok := r.streams[id]; ok {
		if root, ok := r.roots[s.owner]; ok {
			delete(root.streams, id)
		}
		delete(r.streams, id)
	}
}

// Len returns the number of live roots and streams.
func (r *Registry) Len() (roots, streams int) {
	return len(r.roots), len(r.streams)
}
