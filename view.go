package gozkgrid

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// clusterView indexes the currently joined members by id, by internal id
// and by topology order. Mutations happen only on the replay loop; the
// lock exists to publish consistent snapshots to reader goroutines.
type clusterView struct {
	byID         map[uuid.UUID]*ClusterNode
	byInternalID map[int64]*ClusterNode
	byOrder      []*ClusterNode // ascending by Order

	sync.RWMutex
}

func newClusterView() *clusterView {
	return &clusterView{
		byID:         make(map[uuid.UUID]*ClusterNode),
		byInternalID: make(map[int64]*ClusterNode),
	}
}

func (v *clusterView) add(n *ClusterNode) {
	v.Lock()
	defer v.Unlock()

	if _, ok := v.byID[n.ID]; ok {
		return
	}

	v.byID[n.ID] = n
	v.byInternalID[n.InternalID] = n

	i := sort.Search(len(v.byOrder), func(i int) bool {
		return v.byOrder[i].Order >= n.Order
	})
	v.byOrder = append(v.byOrder, nil)
	copy(v.byOrder[i+1:], v.byOrder[i:])
	v.byOrder[i] = n
}

// removeByInternalID drops a member from all three indices. It returns the
// removed node, or nil if the internal id is unknown.
func (v *clusterView) removeByInternalID(internalID int64) *ClusterNode {
	v.Lock()
	defer v.Unlock()

	n, ok := v.byInternalID[internalID]
	if !ok {
		return nil
	}

	delete(v.byInternalID, internalID)
	delete(v.byID, n.ID)
	for i, m := range v.byOrder {
		if m == n {
			v.byOrder = append(v.byOrder[:i], v.byOrder[i+1:]...)
			break
		}
	}
	return n
}

func (v *clusterView) getByID(id uuid.UUID) *ClusterNode {
	v.RLock()
	defer v.RUnlock()
	return v.byID[id]
}

func (v *clusterView) getByInternalID(internalID int64) *ClusterNode {
	v.RLock()
	defer v.RUnlock()
	return v.byInternalID[internalID]
}

func (v *clusterView) contains(id uuid.UUID) bool {
	return v.getByID(id) != nil
}

func (v *clusterView) size() int {
	v.RLock()
	defer v.RUnlock()
	return len(v.byID)
}

// snapshot returns the members ordered by topology order.
func (v *clusterView) snapshot() []*ClusterNode {
	v.RLock()
	defer v.RUnlock()

	out := make([]*ClusterNode, len(v.byOrder))
	copy(out, v.byOrder)
	return out
}

// internalIDs returns the internal ids of all members.
func (v *clusterView) internalIDs() []int64 {
	v.RLock()
	defer v.RUnlock()

	ids := make([]int64, 0, len(v.byInternalID))
	for id := range v.byInternalID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
