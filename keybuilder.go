package gozkgrid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// KeyBuilder generates the zookeeper paths of one cluster. Everything lives
// under <BasePath>/<ClusterName>.
type KeyBuilder struct {
	BasePath    string
	ClusterName string
}

func (k *KeyBuilder) cluster() string {
	if k.BasePath == "/" {
		return "/" + k.ClusterName
	}
	return fmt.Sprintf("%s/%s", k.BasePath, k.ClusterName)
}

// evts holds the serialized event log.
func (k *KeyBuilder) evts() string {
	return k.cluster() + "/evts"
}

// evt is the per-event parent of join payloads.
func (k *KeyBuilder) evt(evtID int64) string {
	return fmt.Sprintf("%s/evts/%d", k.cluster(), evtID)
}

// evtJoinData holds the raw joining payload of the node joined by evtID.
func (k *KeyBuilder) evtJoinData(evtID int64) string {
	return k.evt(evtID) + "/joinData"
}

// evtJoined holds the topology snapshot and common data computed for the
// node joined by evtID.
func (k *KeyBuilder) evtJoined(evtID int64) string {
	return k.evt(evtID) + "/joined"
}

// joinData is the scratch area where joiners park their payload before the
// coordinator picks it up.
func (k *KeyBuilder) joinData() string {
	return k.cluster() + "/joinData"
}

func (k *KeyBuilder) joinDataPrefix(id uuid.UUID) string {
	return k.joinData() + "/" + joinDataPrefix(id)
}

func (k *KeyBuilder) joinDataNode(id uuid.UUID, joinSeq int64) string {
	return k.joinData() + "/" + joinDataName(id, joinSeq)
}

// aliveNodes is the parent of the ephemeral membership tokens.
func (k *KeyBuilder) aliveNodes() string {
	return k.cluster() + "/aliveNodes"
}

func (k *KeyBuilder) aliveNodePrefix(id uuid.UUID, joinSeq int64) string {
	return k.aliveNodes() + "/" + aliveNodePrefix(id, joinSeq)
}

func (k *KeyBuilder) aliveNode(name string) string {
	return k.aliveNodes() + "/" + name
}

// customEvts is the parent of custom event submissions.
func (k *KeyBuilder) customEvts() string {
	return k.cluster() + "/customEvts"
}

func (k *KeyBuilder) customEvtPrefix(id uuid.UUID) string {
	return k.customEvts() + "/" + customEvtPrefix(id)
}

func (k *KeyBuilder) customEvt(name string) string {
	return k.customEvts() + "/" + name
}

// basePaths lists the persistent paths a cluster needs, in creation order.
// The alive-nodes directory comes last: its existence is the sentinel that
// the cluster is set up.
func (k *KeyBuilder) basePaths() []string {
	var paths []string
	if k.BasePath != "/" {
		cur := ""
		for _, seg := range strings.Split(strings.TrimPrefix(k.BasePath, "/"), "/") {
			cur += "/" + seg
			paths = append(paths, cur)
		}
	}
	return append(paths,
		k.cluster(),
		k.evts(),
		k.joinData(),
		k.customEvts(),
		k.aliveNodes(),
	)
}
