package gozkgrid

import "github.com/google/uuid"

// DataBag carries the payloads exchanged between a joining node and the
// cluster. The subject node is identified by NodeID. Joining is the blob a
// node presents when it joins; Common is the keyed data the cluster hands
// to every new member.
type DataBag struct {
	NodeID  uuid.UUID         `json:"nodeId"`
	Joining []byte            `json:"joining,omitempty"`
	Common  map[string][]byte `json:"common,omitempty"`
}

// DataExchange is the host collaborator supplying and consuming join-time
// data.
//
// Collect fills the bag with the local node's joining and common payloads.
// OnExchange consumes a foreign bag: a joiner's joining payload on existing
// members, or the cluster's common payload on the joiner itself.
type DataExchange interface {
	Collect(bag *DataBag)
	OnExchange(bag *DataBag)
}

// DiscoveryListener receives every discovery notification, in event order.
// The snapshot is the topology after the event, ordered by node order. The
// message is non-nil only for DiscoveryCustom.
type DiscoveryListener func(evtType DiscoveryEventType, topVer int64, node *ClusterNode, snapshot []*ClusterNode, message interface{})

// noopExchange is used when the host does not register a DataExchange.
type noopExchange struct{}

func (noopExchange) Collect(*DataBag)    {}
func (noopExchange) OnExchange(*DataBag) {}
