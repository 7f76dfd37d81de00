// Package coordtest provides a deterministic in-memory coordination namespace
// implementing coord.Client, with enough instrumentation to assert watch
// fan-out in tests.
package coordtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/luno/jettison/errors"
	"github.com/luno/jettison/j"

	"github.com/obek/contest/coord"
)

// Server is a shared in-memory namespace. Sessions connected to the same
// Server observe each other's nodes and watches, like clients of one
// coordination service.
type Server struct {
	mu sync.Mutex

	nodes        map[string]*node
	nodeWatches  map[string][]chan coord.NodeEvent
	childWatches map[string][]chan coord.ChildEvent

	nextSession int64

	// delivered counts NodeEvent deliveries per watched path, for
	// asserting notification fan-out.
	delivered map[string]int
}

type node struct {
	data      []byte
	version   int64
	ephemeral bool
	owner     int64

	// nextSeq is the sequence counter for sequential children of this node.
	nextSeq int64
}

func NewServer() *Server {
	return &Server{
		nodes:        make(map[string]*node),
		nodeWatches:  make(map[string][]chan coord.NodeEvent),
		childWatches: make(map[string][]chan coord.ChildEvent),
		delivered:    make(map[string]int),
	}
}

// Connect returns a new session with the server.
func (s *Server) Connect() coord.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSession++
	return &session{srv: s, id: s.nextSession}
}

// NodeWatchCount returns the number of currently registered existence watches
// on path.
func (s *Server) NodeWatchCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.nodeWatches[path])
}

// Delivered returns how many NodeEvents have been delivered for watches on
// path since the server was created.
func (s *Server) Delivered(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered[path]
}

// Children lists the current children of path without a session, for test
// assertions.
func (s *Server) Children(path string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.childrenLocked(path)
}

func (s *Server) childrenLocked(path string) []string {
	prefix := path + "/"
	if path == "/" {
		prefix = "/"
	}
	var names []string
	for p := range s.nodes {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		name := strings.TrimPrefix(p, prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) parentExistsLocked(path string) bool {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		// Root is implicit.
		return true
	}
	_, ok := s.nodes[path[:i]]
	return ok
}

// fireNodeLocked delivers to and consumes all existence watches on path.
func (s *Server) fireNodeLocked(path string, deleted bool) {
	for _, ch := range s.nodeWatches[path] {
		ch <- coord.NodeEvent{Path: path, Deleted: deleted}
		close(ch)
		s.delivered[path]++
	}
	delete(s.nodeWatches, path)
}

// fireChildrenLocked delivers to and consumes all children watches on the
// parent of path.
func (s *Server) fireChildrenLocked(path string) {
	parent := "/"
	if i := strings.LastIndex(path, "/"); i > 0 {
		parent = path[:i]
	}
	for _, ch := range s.childWatches[parent] {
		ch <- coord.ChildEvent{Path: parent}
		close(ch)
	}
	delete(s.childWatches, parent)
}

func (s *Server) deleteLocked(path string) {
	delete(s.nodes, path)
	s.fireNodeLocked(path, true)
	s.fireChildrenLocked(path)
}

type session struct {
	srv *Server
	id  int64

	mu     sync.Mutex
	closed bool
}

func (c *session) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.Wrap(coord.ErrClosed, "")
	}
	return nil
}

func (c *session) Create(ctx context.Context, path string, data []byte, mode coord.Mode) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()

	switch mode {
	case coord.Persistent:
		if _, ok := s.nodes[path]; ok {
			return "", errors.Wrap(coord.ErrAlreadyExists, "", j.KV("path", path))
		}
		if !s.parentExistsLocked(path) {
			return "", errors.Wrap(coord.ErrNotFound, "parent missing", j.KV("path", path))
		}
		s.nodes[path] = &node{data: data, version: 1}
		s.fireNodeLocked(path, false)
		s.fireChildrenLocked(path)
		return path, nil

	case coord.EphemeralSequential:
		i := strings.LastIndex(path, "/")
		if i <= 0 {
			return "", errors.New("sequential node needs a parent", j.KV("path", path))
		}
		parent, ok := s.nodes[path[:i]]
		if !ok {
			return "", errors.Wrap(coord.ErrNotFound, "parent missing", j.KV("path", path))
		}
		parent.nextSeq++
		actual := fmt.Sprintf("%s%010d", path, parent.nextSeq)
		s.nodes[actual] = &node{data: data, version: 1, ephemeral: true, owner: c.id}
		s.fireNodeLocked(actual, false)
		s.fireChildrenLocked(actual)
		return actual, nil

	default:
		return "", errors.New("unknown create mode")
	}
}

func (c *session) Get(ctx context.Context, path string) ([]byte, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path]
	if !ok {
		return nil, errors.Wrap(coord.ErrNotFound, "", j.KV("path", path))
	}
	return n.data, nil
}

func (c *session) Delete(ctx context.Context, path string, version int64) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[path]
	if !ok {
		return errors.Wrap(coord.ErrNotFound, "", j.KV("path", path))
	}
	if version >= 0 && n.version != version {
		return errors.New("version mismatch", j.MKV{"path": path, "version": version})
	}
	s.deleteLocked(path)
	return nil
}

func (c *session) Children(ctx context.Context, path string) ([]string, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.childrenLocked(path), nil
}

func (c *session) ChildrenWatch(ctx context.Context, path string) ([]string, <-chan coord.ChildEvent, error) {
	if err := c.check(ctx); err != nil {
		return nil, nil, err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan coord.ChildEvent, 1)
	s.childWatches[path] = append(s.childWatches[path], ch)
	return s.childrenLocked(path), ch, nil
}

func (c *session) Exists(ctx context.Context, path string) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[path]
	return ok, nil
}

func (c *session) ExistsWatch(ctx context.Context, path string) (bool, <-chan coord.NodeEvent, error) {
	if err := c.check(ctx); err != nil {
		return false, nil, err
	}
	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[path]
	ch := make(chan coord.NodeEvent, 1)
	s.nodeWatches[path] = append(s.nodeWatches[path], ch)
	return ok, ch, nil
}

// Close removes the session's ephemeral nodes, firing their watches, like a
// service tearing down an expired session.
func (c *session) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.Wrap(coord.ErrClosed, "")
	}
	c.closed = true
	c.mu.Unlock()

	s := c.srv
	s.mu.Lock()
	defer s.mu.Unlock()
	var owned []string
	for p, n := range s.nodes {
		if n.ephemeral && n.owner == c.id {
			owned = append(owned, p)
		}
	}
	sort.Strings(owned)
	for _, p := range owned {
		s.deleteLocked(p)
	}
	return nil
}
