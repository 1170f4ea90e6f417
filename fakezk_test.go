package gozkgrid

import (
	"sort"
	"strings"
	"sync"

	"github.com/yichen/go-zookeeper/zk"
)

// fakeEnsemble is an in-memory zookeeper. Each participant gets its own
// fakeSession implementing zkConn; killing a session removes its ephemeral
// znodes and fires its connection-loss callback, which is how the tests
// model process death.
type fakeEnsemble struct {
	mu sync.Mutex

	nodes map[string]*fakeNode

	dataW   map[string][]chan zk.Event
	childW  map[string][]chan zk.Event
	existsW map[string][]chan zk.Event
}

type fakeNode struct {
	data      []byte
	nextSeq   int64
	ephemeral bool
	owner     *fakeSession
}

func newFakeEnsemble() *fakeEnsemble {
	return &fakeEnsemble{
		nodes:   map[string]*fakeNode{"/": {}},
		dataW:   make(map[string][]chan zk.Event),
		childW:  make(map[string][]chan zk.Event),
		existsW: make(map[string][]chan zk.Event),
	}
}

func (f *fakeEnsemble) session() *fakeSession {
	return &fakeSession{ens: f, mine: make(map[string]bool)}
}

func parentOf(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

// fire drains one-shot watches registered for a path.
func fire(watches map[string][]chan zk.Event, path string, ev zk.Event) {
	for _, ch := range watches[path] {
		ch <- ev
	}
	delete(watches, path)
}

func (f *fakeEnsemble) fireData(path string, t zk.EventType) {
	ev := zk.Event{Type: t, Path: path}
	fire(f.dataW, path, ev)
	fire(f.existsW, path, ev)
}

func (f *fakeEnsemble) fireChildren(path string) {
	fire(f.childW, path, zk.Event{Type: zk.EventNodeChildrenChanged, Path: path})
}

// createLocked inserts a node and fires watches. Caller holds f.mu.
func (f *fakeEnsemble) createLocked(path string, data []byte, flags int32, s *fakeSession) (string, error) {
	parent := parentOf(path)
	pn, ok := f.nodes[parent]
	if !ok {
		return "", zk.ErrNoNode
	}

	if flags&zk.FlagSequence != 0 {
		path = path + padSeq(pn.nextSeq)
		pn.nextSeq++
	} else if _, exists := f.nodes[path]; exists {
		return "", zk.ErrNodeExists
	}

	n := &fakeNode{data: data}
	if flags&zk.FlagEphemeral != 0 {
		n.ephemeral = true
		n.owner = s
		s.mine[path] = true
	}
	f.nodes[path] = n

	f.fireChildren(parent)
	fire(f.existsW, path, zk.Event{Type: zk.EventNodeCreated, Path: path})
	return path, nil
}

func (f *fakeEnsemble) deleteLocked(path string) error {
	if _, ok := f.nodes[path]; !ok {
		return zk.ErrNoNode
	}
	if len(f.childrenLocked(path)) > 0 {
		return zk.ErrNotEmpty
	}

	n := f.nodes[path]
	if n.ephemeral && n.owner != nil {
		delete(n.owner.mine, path)
	}
	delete(f.nodes, path)

	f.fireData(path, zk.EventNodeDeleted)
	f.fireChildren(parentOf(path))
	return nil
}

func (f *fakeEnsemble) childrenLocked(path string) []string {
	prefix := path + "/"
	if path == "/" {
		prefix = "/"
	}

	var out []string
	for p := range f.nodes {
		if p == "/" || !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if !strings.Contains(rest, "/") {
			out = append(out, rest)
		}
	}
	sort.Strings(out)
	return out
}

// children is a test helper assertion hook.
func (f *fakeEnsemble) children(path string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.childrenLocked(path)
}

// exists is a test helper assertion hook.
func (f *fakeEnsemble) exists(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[path]
	return ok
}

// killSession models a process death: ephemeral znodes vanish, the loss
// callback fires, every further call fails.
func (f *fakeEnsemble) killSession(s *fakeSession) {
	f.mu.Lock()
	s.failed = true
	for path := range s.mine {
		n := f.nodes[path]
		if n == nil {
			continue
		}
		delete(f.nodes, path)
		f.fireData(path, zk.EventNodeDeleted)
		f.fireChildren(parentOf(path))
	}
	s.mine = make(map[string]bool)
	cb := s.lossCb
	f.mu.Unlock()

	if cb != nil {
		go cb()
	}
}

type fakeSession struct {
	ens    *fakeEnsemble
	lossCb func()
	failed bool
	mine   map[string]bool
}

var _ zkConn = (*fakeSession)(nil)

func (s *fakeSession) Connect() error { return nil }

func (s *fakeSession) Disconnect() {
	s.ens.mu.Lock()
	s.failed = true
	for path := range s.mine {
		if _, ok := s.ens.nodes[path]; !ok {
			continue
		}
		delete(s.ens.nodes, path)
		s.ens.fireData(path, zk.EventNodeDeleted)
		s.ens.fireChildren(parentOf(path))
	}
	s.mine = make(map[string]bool)
	s.ens.mu.Unlock()
}

func (s *fakeSession) OnConnectionLoss(fn func()) { s.lossCb = fn }

func (s *fakeSession) guard() error {
	if s.failed {
		return ErrClientFailed
	}
	return nil
}

func (s *fakeSession) Create(path string, data []byte, flags int32) (string, error) {
	s.ens.mu.Lock()
	defer s.ens.mu.Unlock()
	if err := s.guard(); err != nil {
		return "", err
	}
	return s.ens.createLocked(path, data, flags, s)
}

func (s *fakeSession) CreateAllIfNeeded(paths ...string) error {
	for _, p := range paths {
		if _, err := s.Create(p, []byte{}, 0); err != nil && err != zk.ErrNodeExists {
			return err
		}
	}
	return nil
}

func (s *fakeSession) Get(path string) ([]byte, error) {
	s.ens.mu.Lock()
	defer s.ens.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	n, ok := s.ens.nodes[path]
	if !ok {
		return nil, zk.ErrNoNode
	}
	return n.data, nil
}

// watch channels are buffered for the single one-shot event so firing
// never blocks the mutator.
func watchChan() chan zk.Event {
	return make(chan zk.Event, 1)
}

func (s *fakeSession) GetW(path string) ([]byte, <-chan zk.Event, error) {
	s.ens.mu.Lock()
	defer s.ens.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, nil, err
	}

	n, ok := s.ens.nodes[path]
	if !ok {
		return nil, nil, zk.ErrNoNode
	}

	ch := watchChan()
	s.ens.dataW[path] = append(s.ens.dataW[path], ch)
	return n.data, ch, nil
}

func (s *fakeSession) Set(path string, data []byte, version int32) error {
	s.ens.mu.Lock()
	defer s.ens.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}

	n, ok := s.ens.nodes[path]
	if !ok {
		return zk.ErrNoNode
	}
	n.data = data
	s.ens.fireData(path, zk.EventNodeDataChanged)
	return nil
}

func (s *fakeSession) Children(path string) ([]string, error) {
	s.ens.mu.Lock()
	defer s.ens.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, err
	}

	if _, ok := s.ens.nodes[path]; !ok {
		return nil, zk.ErrNoNode
	}
	return s.ens.childrenLocked(path), nil
}

func (s *fakeSession) ChildrenW(path string) ([]string, <-chan zk.Event, error) {
	s.ens.mu.Lock()
	defer s.ens.mu.Unlock()
	if err := s.guard(); err != nil {
		return nil, nil, err
	}

	if _, ok := s.ens.nodes[path]; !ok {
		return nil, nil, zk.ErrNoNode
	}

	ch := watchChan()
	s.ens.childW[path] = append(s.ens.childW[path], ch)
	return s.ens.childrenLocked(path), ch, nil
}

func (s *fakeSession) Exists(path string) (bool, error) {
	s.ens.mu.Lock()
	defer s.ens.mu.Unlock()
	if err := s.guard(); err != nil {
		return false, err
	}
	_, ok := s.ens.nodes[path]
	return ok, nil
}

func (s *fakeSession) ExistsW(path string) (bool, <-chan zk.Event, error) {
	s.ens.mu.Lock()
	defer s.ens.mu.Unlock()
	if err := s.guard(); err != nil {
		return false, nil, err
	}

	ch := watchChan()
	s.ens.existsW[path] = append(s.ens.existsW[path], ch)
	_, ok := s.ens.nodes[path]
	return ok, ch, nil
}

func (s *fakeSession) Delete(path string) error {
	s.ens.mu.Lock()
	defer s.ens.mu.Unlock()
	if err := s.guard(); err != nil {
		return err
	}
	return s.ens.deleteLocked(path)
}

func (s *fakeSession) DeleteTree(path string) error {
	children, err := s.Children(path)
	if err != nil {
		if err == zk.ErrNoNode {
			return nil
		}
		return err
	}
	for _, c := range children {
		if err := s.DeleteTree(path + "/" + c); err != nil {
			return err
		}
	}
	return s.Delete(path)
}
