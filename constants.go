package gozkgrid

import (
	"errors"
	"os"
	"strconv"
)

// DiscoveryEventType identifies the kind of notification delivered to the
// discovery listener.
type DiscoveryEventType uint8

const (
	// NodeJoined means a node completed the join handshake and is part of
	// the topology.
	NodeJoined DiscoveryEventType = 0

	// NodeFailed means a node's session was lost and it has been removed
	// from the topology.
	NodeFailed DiscoveryEventType = 1

	// DiscoveryCustom carries an opaque user message broadcast through the
	// event log.
	DiscoveryCustom DiscoveryEventType = 2

	// NodeSegmented means the local node lost its own zookeeper session.
	// It is terminal: no further events are delivered after it.
	NodeSegmented DiscoveryEventType = 3
)

func (t DiscoveryEventType) String() string {
	switch t {
	case NodeJoined:
		return "NODE_JOINED"
	case NodeFailed:
		return "NODE_FAILED"
	case DiscoveryCustom:
		return "DISCOVERY_CUSTOM"
	case NodeSegmented:
		return "NODE_SEGMENTED"
	}
	return "UNKNOWN"
}

// AckThresholdEnv is the environment variable controlling how many replayed
// events a non-coordinator processes between alive-record write-backs.
const AckThresholdEnv = "IGNITE_ZOOKEEPER_DISCOVERY_SPI_ACK_THRESHOLD"

const defaultAckThreshold = 5

var (
	// ErrClientFailed is returned by every facade operation after the
	// zookeeper session has been terminally lost.
	ErrClientFailed = errors.New("zookeeper client failed")

	// ErrClusterNotSetup means the cluster's alive-nodes directory does not
	// exist in zookeeper, or the base paths could not be created.
	ErrClusterNotSetup = errors.New("cluster not setup")

	// ErrSegmented completes the join wait when the session is lost before
	// the local join event arrives.
	ErrSegmented = errors.New("node segmented before join completed")

	// ErrNotJoined completes the join wait when the topology snapshot of
	// the local join event does not contain the local node.
	ErrNotJoined = errors.New("local node has not joined")

	// ErrAlreadyJoined is returned when Join is called twice.
	ErrAlreadyJoined = errors.New("local node already joined")

	// ErrBadBasePath means the configured base path is not a valid
	// zookeeper path.
	ErrBadBasePath = errors.New("invalid zookeeper base path")

	// ErrBadClusterName means the cluster name is empty.
	ErrBadClusterName = errors.New("cluster name must not be empty")
)

// ackThresholdFromEnv reads the ack threshold, defaulting to 5 and clamping
// to a minimum of 1.
func ackThresholdFromEnv() int {
	v := os.Getenv(AckThresholdEnv)
	if v == "" {
		return defaultAckThreshold
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		Logger.Warnf("ignoring unparsable %s=%q", AckThresholdEnv, v)
		return defaultAckThreshold
	}

	if n < 1 {
		n = 1
	}
	return n
}
