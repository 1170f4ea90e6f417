package gozkgrid

import (
	"fmt"

	"github.com/google/uuid"
)

// ClusterNode is one member of the cluster.
type ClusterNode struct {
	// ID is the stable identity of the node's process.
	ID uuid.UUID `json:"id"`

	// InternalID is the sequence number of the node's alive-node znode.
	// It is monotonically increasing in join order and drives coordinator
	// election.
	InternalID int64 `json:"internalId"`

	// Order is the topology version at which the node joined. It is
	// stable while the node is alive.
	Order int64 `json:"order"`
}

func (n *ClusterNode) String() string {
	return fmt.Sprintf("node[id=%s internalId=%d order=%d]", n.ID, n.InternalID, n.Order)
}

// aliveRecord is the payload of a member's alive-node znode. Members update
// it as they replay the event log so the coordinator can account acks.
type aliveRecord struct {
	LastProcessedEvtID int64 `json:"lastProcessedEvtId"`
}

// joinedData is persisted at /evts/<id>/joined for the joining node: the
// topology as the joiner should see it, plus the common data the cluster
// hands to every new member.
type joinedData struct {
	Snapshot []ClusterNode     `json:"snapshot"`
	Common   map[string][]byte `json:"common,omitempty"`
}
