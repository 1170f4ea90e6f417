package gozkgrid

import (
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/yichen/go-zookeeper/zk"
	"github.com/yichen/retry"
)

var zkRetryOptions = retry.RetryOptions{
	"zookeeper",
	time.Millisecond * 10,
	time.Second * 1,
	1,
	0, // infinite retry
	false,
}

// zkConn is the facade over zookeeper the engine runs against. *Connection
// is the production implementation; tests substitute an in-memory one.
type zkConn interface {
	Connect() error
	Disconnect()
	OnConnectionLoss(fn func())

	Create(path string, data []byte, flags int32) (string, error)
	CreateAllIfNeeded(paths ...string) error
	Get(path string) ([]byte, error)
	GetW(path string) ([]byte, <-chan zk.Event, error)
	Set(path string, data []byte, version int32) error
	Children(path string) ([]string, error)
	ChildrenW(path string) ([]string, <-chan zk.Event, error)
	Exists(path string) (bool, error)
	ExistsW(path string) (bool, <-chan zk.Event, error)
	Delete(path string) error
	DeleteTree(path string) error
}

var _ zkConn = (*Connection)(nil)

// Connection wraps a zookeeper connection. Transient errors are retried
// with backoff; a lost session is terminal and fails every subsequent
// operation with ErrClientFailed after invoking the connection-loss
// callback exactly once.
type Connection struct {
	zkSvr          string
	sessionTimeout time.Duration

	zkConn *zk.Conn

	lossCb   func()
	lossOnce sync.Once

	mu     sync.Mutex
	failed bool
	closed bool
}

// NewConnection creates a facade for the given comma separated server list.
func NewConnection(zkSvr string, sessionTimeout time.Duration) *Connection {
	if sessionTimeout <= 0 {
		sessionTimeout = 1 * time.Minute
	}
	return &Connection{
		zkSvr:          zkSvr,
		sessionTimeout: sessionTimeout,
	}
}

// OnConnectionLoss registers the callback invoked once when the session is
// terminally lost. It may fire from any goroutine. Must be set before
// Connect.
func (conn *Connection) OnConnectionLoss(fn func()) {
	conn.lossCb = fn
}

func (conn *Connection) Connect() error {
	zkServers := strings.Split(strings.TrimSpace(conn.zkSvr), ",")
	zkConn, events, err := zk.Connect(zkServers, conn.sessionTimeout)
	if err != nil {
		return err
	}

	conn.zkConn = zkConn
	go conn.watchSession(events)

	if _, _, err := zkConn.Exists("/zookeeper"); err != nil {
		return err
	}
	return nil
}

// watchSession drains the session event channel and escalates session
// expiry to the terminal connection-loss path.
func (conn *Connection) watchSession(events <-chan zk.Event) {
	for ev := range events {
		if ev.Type != zk.EventSession {
			continue
		}
		if ev.State == zk.StateExpired {
			conn.fail()
			return
		}
	}

	// channel closed: deliberate Disconnect is quiet, anything else is a
	// terminal loss
	conn.mu.Lock()
	closed := conn.closed
	conn.mu.Unlock()
	if !closed {
		conn.fail()
	}
}

func (conn *Connection) fail() {
	conn.mu.Lock()
	conn.failed = true
	conn.mu.Unlock()

	if conn.lossCb != nil {
		conn.lossOnce.Do(conn.lossCb)
	}
}

func (conn *Connection) isFailed() bool {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.failed
}

func (conn *Connection) Disconnect() {
	conn.mu.Lock()
	conn.closed = true
	conn.mu.Unlock()

	if conn.zkConn != nil {
		conn.zkConn.Close()
	}
}

func (conn *Connection) GetSessionID() int64 {
	return conn.zkConn.SessionID
}

// retryable reports whether an operation should be retried. Session expiry
// is escalated to the terminal path instead.
func (conn *Connection) retryable(err error) bool {
	if err == zk.ErrSessionExpired {
		conn.fail()
		return false
	}
	return err == zk.ErrConnectionClosed
}

// run executes op with backoff on transient errors, failing fast once the
// client is terminally failed.
func (conn *Connection) run(tag string, op func() error) error {
	var opErr error
	err := retry.RetryWithBackoff(zkRetryOptions, func() (retry.RetryStatus, error) {
		if conn.isFailed() {
			opErr = ErrClientFailed
			return retry.RetryBreak, nil
		}
		if opErr = op(); opErr != nil && conn.retryable(opErr) {
			return retry.RetryContinue, nil
		}
		return retry.RetryBreak, nil
	})
	if err != nil {
		return errors.Wrap(err, tag)
	}
	if opErr != nil && opErr != ErrClientFailed {
		return errors.Wrap(opErr, tag)
	}
	return opErr
}

func (conn *Connection) Create(p string, data []byte, flags int32) (string, error) {
	var created string
	err := conn.run("create "+p, func() error {
		var err error
		created, err = conn.zkConn.Create(p, data, flags, zk.WorldACL(zk.PermAll))
		return err
	})
	return created, err
}

// CreateAllIfNeeded creates each path as a persistent znode unless it
// already exists. Parents must come before children.
func (conn *Connection) CreateAllIfNeeded(paths ...string) error {
	for _, p := range paths {
		_, err := conn.Create(p, []byte{}, 0)
		if err != nil && errors.Cause(err) != zk.ErrNodeExists {
			return err
		}
	}
	return nil
}

func (conn *Connection) Get(p string) ([]byte, error) {
	var data []byte
	err := conn.run("get "+p, func() error {
		var err error
		data, _, err = conn.zkConn.Get(p)
		return err
	})
	return data, err
}

func (conn *Connection) GetW(p string) ([]byte, <-chan zk.Event, error) {
	var data []byte
	var events <-chan zk.Event
	err := conn.run("getw "+p, func() error {
		var err error
		data, _, events, err = conn.zkConn.GetW(p)
		return err
	})
	return data, events, err
}

func (conn *Connection) Set(p string, data []byte, version int32) error {
	return conn.run("set "+p, func() error {
		_, err := conn.zkConn.Set(p, data, version)
		return err
	})
}

func (conn *Connection) Children(p string) ([]string, error) {
	var children []string
	err := conn.run("children "+p, func() error {
		var err error
		children, _, err = conn.zkConn.Children(p)
		return err
	})
	return children, err
}

func (conn *Connection) ChildrenW(p string) ([]string, <-chan zk.Event, error) {
	var children []string
	var events <-chan zk.Event
	err := conn.run("childrenw "+p, func() error {
		var err error
		children, _, events, err = conn.zkConn.ChildrenW(p)
		return err
	})
	return children, events, err
}

func (conn *Connection) Exists(p string) (bool, error) {
	var exists bool
	err := conn.run("exists "+p, func() error {
		var err error
		exists, _, err = conn.zkConn.Exists(p)
		return err
	})
	return exists, err
}

func (conn *Connection) ExistsW(p string) (bool, <-chan zk.Event, error) {
	var exists bool
	var events <-chan zk.Event
	err := conn.run("existsw "+p, func() error {
		var err error
		exists, _, events, err = conn.zkConn.ExistsW(p)
		return err
	})
	return exists, events, err
}

func (conn *Connection) Delete(p string) error {
	return conn.run("delete "+p, func() error {
		return conn.zkConn.Delete(p, -1)
	})
}

// isNoNode unwraps facade errors down to the missing-znode case, which is
// benign in several read paths.
func isNoNode(err error) bool {
	return errors.Cause(err) == zk.ErrNoNode
}

func isNodeExists(err error) bool {
	return errors.Cause(err) == zk.ErrNodeExists
}

// DeleteTree removes a znode and everything under it.
func (conn *Connection) DeleteTree(p string) error {
	children, err := conn.Children(p)
	if err != nil {
		if errors.Cause(err) == zk.ErrNoNode {
			return nil
		}
		return err
	}

	for _, c := range children {
		if err := conn.DeleteTree(path.Join(p, c)); err != nil {
			return err
		}
	}
	return conn.Delete(p)
}
