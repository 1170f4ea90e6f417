package gozkgrid

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yichen/go-zookeeper/zk"
)

const (
	testBase    = "/testbase"
	testCluster = "grid"
)

type recordedEvent struct {
	Type    DiscoveryEventType
	TopVer  int64
	NodeID  uuid.UUID
	Size    int
	Message interface{}
}

// recorder collects listener notifications for assertions.
type recorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *recorder) listener() DiscoveryListener {
	return func(evtType DiscoveryEventType, topVer int64, node *ClusterNode, snapshot []*ClusterNode, message interface{}) {
		r.mu.Lock()
		defer r.mu.Unlock()

		re := recordedEvent{Type: evtType, TopVer: topVer, Size: len(snapshot), Message: message}
		if node != nil {
			re.NodeID = node.ID
		}
		r.events = append(r.events, re)
	}
}

func (r *recorder) all() []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]recordedEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) ofType(t DiscoveryEventType) []recordedEvent {
	var out []recordedEvent
	for _, e := range r.all() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for " + msg)
}

// startNode joins a fresh discovery instance through the shared fake
// ensemble and blocks until the join completes.
func startNode(t *testing.T, ens *fakeEnsemble) (*Discovery, *fakeSession, *recorder) {
	t.Helper()

	sess := ens.session()
	rec := &recorder{}

	d := NewDiscovery("fake:2181", testBase, testCluster)
	d.conn = sess
	d.SetListener(rec.listener())

	require.NoError(t, d.Join())
	t.Cleanup(d.Disconnect)
	return d, sess, rec
}

func TestFirstMemberColdStart(t *testing.T) {
	t.Setenv(AckThresholdEnv, "1")
	ens := newFakeEnsemble()

	a, _, rec := startNode(t, ens)

	assert.True(t, a.IsCoordinator())
	assert.NotZero(t, a.GridStartTime())
	assert.Equal(t, int64(1), a.TopologyVersion())

	joins := rec.ofType(NodeJoined)
	require.Len(t, joins, 1)
	assert.Equal(t, a.LocalNodeID(), joins[0].NodeID)
	assert.Equal(t, int64(1), joins[0].TopVer)
	assert.Equal(t, 1, joins[0].Size)

	local := a.LocalNode()
	require.NotNil(t, local)
	assert.Equal(t, int64(1), local.Order)
	assert.Empty(t, a.RemoteNodes())
}

func TestSecondMemberJoins(t *testing.T) {
	t.Setenv(AckThresholdEnv, "1")
	ens := newFakeEnsemble()

	a, _, recA := startNode(t, ens)
	b, _, recB := startNode(t, ens)

	assert.True(t, a.IsCoordinator())
	assert.False(t, b.IsCoordinator())

	waitFor(t, func() bool { return len(recA.ofType(NodeJoined)) == 2 }, "a to observe the join")
	waitFor(t, func() bool { return len(b.Nodes()) == 2 }, "b to see both nodes")

	joinsA := recA.ofType(NodeJoined)
	require.Len(t, joinsA, 2)
	assert.Equal(t, b.LocalNodeID(), joinsA[1].NodeID)
	assert.Equal(t, int64(2), joinsA[1].TopVer)
	assert.Equal(t, 2, joinsA[1].Size)

	joinsB := recB.ofType(NodeJoined)
	require.Len(t, joinsB, 1)
	assert.Equal(t, b.LocalNodeID(), joinsB[0].NodeID)
	assert.Equal(t, int64(2), joinsB[0].TopVer)
	assert.Equal(t, 2, joinsB[0].Size)

	require.NotNil(t, b.LocalNode())
	assert.Equal(t, int64(2), b.LocalNode().Order)

	// once b acknowledged, the coordinator drops the join payloads
	keys := KeyBuilder{BasePath: testBase, ClusterName: testCluster}
	waitFor(t, func() bool { return !ens.exists(keys.evt(2)) }, "join payload cleanup")

	known, err := a.KnownNode(b.LocalNodeID())
	require.NoError(t, err)
	assert.True(t, known)
}

func TestCoordinatorFailover(t *testing.T) {
	t.Setenv(AckThresholdEnv, "1")
	ens := newFakeEnsemble()

	a, sessA, _ := startNode(t, ens)
	b, _, recB := startNode(t, ens)
	c, _, recC := startNode(t, ens)

	waitFor(t, func() bool { return len(a.Nodes()) == 3 && len(b.Nodes()) == 3 && len(c.Nodes()) == 3 }, "full topology")

	ens.killSession(sessA)

	waitFor(t, func() bool { return b.IsCoordinator() }, "b to take over")
	waitFor(t, func() bool { return len(recB.ofType(NodeFailed)) == 1 }, "b to observe the failure")
	waitFor(t, func() bool { return len(recC.ofType(NodeFailed)) == 1 }, "c to observe the failure")

	failB := recB.ofType(NodeFailed)[0]
	failC := recC.ofType(NodeFailed)[0]
	assert.Equal(t, a.LocalNodeID(), failB.NodeID)
	assert.Equal(t, int64(4), failB.TopVer)
	assert.Equal(t, failB.TopVer, failC.TopVer)
	assert.Equal(t, 2, failB.Size)

	assert.False(t, c.IsCoordinator())
	assert.Nil(t, b.Node(a.LocalNodeID()))
	assert.Nil(t, c.Node(a.LocalNodeID()))
}

func TestTwoSimultaneousPredecessorFailures(t *testing.T) {
	t.Setenv(AckThresholdEnv, "1")
	ens := newFakeEnsemble()

	_, sessA, _ := startNode(t, ens)
	_, sessB, _ := startNode(t, ens)
	c, _, recC := startNode(t, ens)

	waitFor(t, func() bool { return len(c.Nodes()) == 3 }, "full topology")

	// both nodes below c vanish inside one re-election window
	ens.killSession(sessA)
	ens.killSession(sessB)

	waitFor(t, func() bool { return c.IsCoordinator() }, "c to take over")
	waitFor(t, func() bool { return len(recC.ofType(NodeFailed)) == 2 }, "c to observe both failures")
	waitFor(t, func() bool { return c.TopologyVersion() == 5 }, "both failure versions")

	require.Len(t, c.Nodes(), 1)
	assert.Equal(t, c.LocalNodeID(), c.Nodes()[0].ID)
}

func TestCustomMessageBroadcast(t *testing.T) {
	t.Setenv(AckThresholdEnv, "1")
	ens := newFakeEnsemble()

	a, _, recA := startNode(t, ens)
	b, _, recB := startNode(t, ens)
	c, _, recC := startNode(t, ens)

	waitFor(t, func() bool { return len(a.Nodes()) == 3 && len(b.Nodes()) == 3 && len(c.Nodes()) == 3 }, "full topology")

	require.NoError(t, b.SendCustomMessage("hello"))

	for name, rec := range map[string]*recorder{"a": recA, "b": recB, "c": recC} {
		rec := rec
		waitFor(t, func() bool { return len(rec.ofType(DiscoveryCustom)) == 1 }, name+" to observe the custom event")

		custom := rec.ofType(DiscoveryCustom)[0]
		assert.Equal(t, "hello", custom.Message)
		assert.Equal(t, int64(3), custom.TopVer, "custom events do not bump the topology version")
		assert.Equal(t, b.LocalNodeID(), custom.NodeID)
	}

	// the submission znode is dropped once everyone acknowledged
	keys := KeyBuilder{BasePath: testBase, ClusterName: testCluster}
	waitFor(t, func() bool { return len(ens.children(keys.customEvts())) == 0 }, "custom submission cleanup")
}

func TestCustomMessageFromUnknownSenderIsDiscarded(t *testing.T) {
	t.Setenv(AckThresholdEnv, "1")
	ens := newFakeEnsemble()

	a, _, recA := startNode(t, ens)

	keys := KeyBuilder{BasePath: testBase, ClusterName: testCluster}
	raw := ens.session()
	_, err := raw.Create(keys.customEvtPrefix(uuid.New()), []byte(`"ignored"`), zk.FlagSequence)
	require.NoError(t, err)

	waitFor(t, func() bool { return len(ens.children(keys.customEvts())) == 0 }, "discard of the unknown submission")
	assert.Empty(t, recA.ofType(DiscoveryCustom))
	assert.Equal(t, int64(1), a.TopologyVersion())
}

func TestJoinerDiesBeforeDataIsRead(t *testing.T) {
	t.Setenv(AckThresholdEnv, "1")
	ens := newFakeEnsemble()

	a, _, recA := startNode(t, ens)

	// an alive token whose joining data never made it: the member died
	// between the two creates
	keys := KeyBuilder{BasePath: testBase, ClusterName: testCluster}
	raw := ens.session()
	dead := uuid.New()
	_, err := raw.Create(keys.aliveNodePrefix(dead, 99), []byte("{}"), zk.FlagEphemeral|zk.FlagSequence)
	require.NoError(t, err)

	// a later healthy joiner proves the dead entry was seen and skipped
	startNode(t, ens)

	waitFor(t, func() bool { return len(a.Nodes()) == 2 && a.TopologyVersion() == 2 }, "a to see the healthy joiner")
	assert.Nil(t, a.Node(dead))
	for _, e := range recA.ofType(NodeJoined) {
		assert.NotEqual(t, dead, e.NodeID)
	}
}

func TestSegmentationAfterJoin(t *testing.T) {
	t.Setenv(AckThresholdEnv, "1")
	ens := newFakeEnsemble()

	a, _, recA := startNode(t, ens)
	b, sessB, recB := startNode(t, ens)

	waitFor(t, func() bool { return len(a.Nodes()) == 2 && len(b.Nodes()) == 2 }, "full topology")

	ens.killSession(sessB)

	waitFor(t, func() bool { return len(recB.ofType(NodeSegmented)) == 1 }, "b to observe segmentation")

	seg := recB.ofType(NodeSegmented)[0]
	assert.Equal(t, b.LocalNodeID(), seg.NodeID)
	assert.Equal(t, int64(2), seg.TopVer)

	// segmentation is terminal and fires exactly once
	events := recB.all()
	assert.Equal(t, NodeSegmented, events[len(events)-1].Type)
	require.Len(t, recB.ofType(NodeSegmented), 1)

	waitFor(t, func() bool { return len(recA.ofType(NodeFailed)) == 1 }, "a to observe the failure")
}

func TestJoinValidation(t *testing.T) {
	t.Parallel()

	d := NewDiscovery("fake:2181", "bad-path", testCluster)
	assert.Equal(t, ErrBadBasePath, d.Join())

	d = NewDiscovery("fake:2181", testBase, "")
	assert.Equal(t, ErrBadClusterName, d.Join())
}

func TestJoinTwice(t *testing.T) {
	t.Setenv(AckThresholdEnv, "1")
	ens := newFakeEnsemble()

	a, _, _ := startNode(t, ens)
	assert.Equal(t, ErrAlreadyJoined, a.Join())
}

func TestCoordinatorHandoverReplaysIdentically(t *testing.T) {
	t.Setenv(AckThresholdEnv, "1")
	ens := newFakeEnsemble()

	a, sessA, _ := startNode(t, ens)
	b, _, recB := startNode(t, ens)
	c, _, recC := startNode(t, ens)

	waitFor(t, func() bool { return len(a.Nodes()) == 3 && len(b.Nodes()) == 3 && len(c.Nodes()) == 3 }, "full topology")

	require.NoError(t, c.SendCustomMessage("before-failover"))
	waitFor(t, func() bool { return len(recB.ofType(DiscoveryCustom)) == 1 }, "custom delivery before failover")

	ens.killSession(sessA)
	waitFor(t, func() bool { return b.IsCoordinator() }, "b to take over")

	// the successor continues the same history: one more custom event,
	// observed by both survivors at the same version
	require.NoError(t, c.SendCustomMessage("after-failover"))
	waitFor(t, func() bool { return len(recB.ofType(DiscoveryCustom)) == 2 }, "custom delivery after failover")
	waitFor(t, func() bool { return len(recC.ofType(DiscoveryCustom)) == 2 }, "custom delivery on c")

	lastB := recB.ofType(DiscoveryCustom)[1]
	lastC := recC.ofType(DiscoveryCustom)[1]
	assert.Equal(t, "after-failover", lastB.Message)
	assert.Equal(t, lastC.TopVer, lastB.TopVer)
	assert.Equal(t, lastC.Message, lastB.Message)
}
