package gozkgrid

import (
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/yichen/go-zookeeper/zk"
)

const joinWarnInterval = 10 * time.Second

const customPayloadCacheSize = 128

// notificationKind tags the messages the watch goroutines post into the
// dispatch loop.
type notificationKind uint8

const (
	nElect notificationKind = iota
	nAliveChanged
	nCustomChanged
	nEvtsChanged
	nAck
	nConnLost
)

type notification struct {
	kind       notificationKind
	internalID int64  // nAck: reporting node
	data       []byte // nAck: alive record, nEvtsChanged: serialized log
}

// Discovery is one node's membership in a zookeeper backed cluster. Every
// node replays the same coordinator generated event log and produces
// identical listener notifications; the node holding the minimum internal
// id additionally acts as the coordinator.
//
// All cluster state (view, event log, ack accounting) is owned by a single
// dispatch goroutine fed through the notifications channel; the watch
// goroutines and the connection-loss callback only post messages into it.
type Discovery struct {
	// ZkSvr is the zookeeper connection string.
	ZkSvr string

	// BasePath is the root under which all clusters live.
	BasePath string

	// ClusterName names this cluster under BasePath.
	ClusterName string

	// SessionTimeout is the zookeeper session timeout.
	SessionTimeout time.Duration

	conn     zkConn
	codec    Codec
	exchange DataExchange
	listener DiscoveryListener
	context  *Context

	keys KeyBuilder

	localID       uuid.UUID
	joinSeq       int64
	internalID    int64
	aliveNodePath string

	view *clusterView

	// coordinator state
	log        *eventLog
	ackWatched map[int64]bool

	lastProcessedEvtID int64
	evtsSinceAck       int
	ackThreshold       int

	customCache *lru.Cache

	// written by the dispatch loop, read by the query API under the mutex
	coordinator   bool
	joined        bool
	started       bool
	topVer        int64
	gridStartTime int64

	notifications chan notification
	joinDone      chan error
	joinOnce      sync.Once
	stop          chan struct{}
	stopOnce      sync.Once

	sync.Mutex
}

// NewDiscovery creates a discovery instance for one cluster. Register the
// listener, data exchange and codec before calling Join.
func NewDiscovery(zkSvr, basePath, clusterName string) *Discovery {
	cache, _ := lru.New(customPayloadCacheSize)
	return &Discovery{
		ZkSvr:       zkSvr,
		BasePath:    basePath,
		ClusterName: clusterName,

		codec:    JSONCodec{},
		exchange: noopExchange{},

		keys:    KeyBuilder{BasePath: basePath, ClusterName: clusterName},
		localID: uuid.New(),
		view:    newClusterView(),

		ackWatched:   make(map[int64]bool),
		ackThreshold: ackThresholdFromEnv(),
		customCache:  cache,

		notifications: make(chan notification, 100),
		joinDone:      make(chan error, 1),
		stop:          make(chan struct{}),
	}
}

// SetListener registers the discovery listener. Must be called before Join.
func (d *Discovery) SetListener(l DiscoveryListener) {
	d.listener = l
}

// SetDataExchange registers the join-data collaborator. Must be called
// before Join.
func (d *Discovery) SetDataExchange(ex DataExchange) {
	d.exchange = ex
}

// SetCodec replaces the default JSON codec. Must be called before Join.
func (d *Discovery) SetCodec(c Codec) {
	d.codec = c
}

// SetContext attaches a host context readable from inside the listener.
func (d *Discovery) SetContext(ctx *Context) {
	d.Lock()
	defer d.Unlock()
	d.context = ctx
}

// Context returns the attached host context, if any.
func (d *Discovery) Context() *Context {
	d.Lock()
	defer d.Unlock()
	return d.context
}

// Join connects to zookeeper, registers this node and blocks until the
// cluster has accepted it: either the local join event has been replayed,
// or this node bootstrapped a new cluster as its first member. It logs a
// warning every ten seconds while waiting; session loss aborts the wait.
func (d *Discovery) Join() error {
	if err := validateBasePath(d.BasePath); err != nil {
		return err
	}
	if d.ClusterName == "" {
		return ErrBadClusterName
	}

	d.Lock()
	if d.started {
		d.Unlock()
		return ErrAlreadyJoined
	}
	d.started = true
	d.Unlock()

	bag := &DataBag{NodeID: d.localID}
	d.exchange.Collect(bag)
	joining, err := d.codec.Encode(bag)
	if err != nil {
		return errors.Wrap(err, "encode joining data")
	}

	if d.conn == nil {
		d.conn = NewConnection(d.ZkSvr, d.SessionTimeout)
	}
	d.conn.OnConnectionLoss(d.onConnectionLoss)
	if err := d.conn.Connect(); err != nil {
		return err
	}

	if err := d.ensureClusterPaths(); err != nil {
		return err
	}

	// park the joining payload; the assigned sequence ties the alive-node
	// token back to it
	created, err := d.conn.Create(d.keys.joinDataPrefix(d.localID), joining, zk.FlagEphemeral|zk.FlagSequence)
	if err != nil {
		return err
	}
	if d.joinSeq, err = seqFromPath(created); err != nil {
		return err
	}

	rec, err := d.codec.Encode(aliveRecord{})
	if err != nil {
		return errors.Wrap(err, "encode alive record")
	}
	created, err = d.conn.Create(d.keys.aliveNodePrefix(d.localID, d.joinSeq), rec, zk.FlagEphemeral|zk.FlagSequence)
	if err != nil {
		return err
	}
	if d.internalID, err = seqFromPath(created); err != nil {
		return err
	}
	d.aliveNodePath = created

	Logger.Infof("joining cluster %s as %s, internal id %d", d.ClusterName, d.localID, d.internalID)

	go d.loop()
	d.watchEvents()
	d.post(notification{kind: nElect})

	ticker := time.NewTicker(joinWarnInterval)
	defer ticker.Stop()
	for {
		select {
		case err := <-d.joinDone:
			return err
		case <-ticker.C:
			Logger.Warnf("still waiting to join cluster %s (node %s, internal id %d)",
				d.ClusterName, d.localID, d.internalID)
		}
	}
}

// ensureClusterPaths creates the persistent base paths if the alive-nodes
// directory, created last as the setup sentinel, does not exist yet.
func (d *Discovery) ensureClusterPaths() error {
	exists, err := d.conn.Exists(d.keys.aliveNodes())
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if err := d.conn.CreateAllIfNeeded(d.keys.basePaths()...); err != nil {
		return errors.Wrap(ErrClusterNotSetup, err.Error())
	}
	return nil
}

// Disconnect stops the dispatch loop and closes the zookeeper session. The
// ephemeral join-data and alive-node znodes die with the session; the rest
// of the cluster observes the failure.
func (d *Discovery) Disconnect() {
	d.stopOnce.Do(func() { close(d.stop) })
	if d.conn != nil {
		d.conn.Disconnect()
	}
}

// loop is the dispatch lane: the only goroutine mutating the view, the
// event log and the ack accounting.
func (d *Discovery) loop() {
	for {
		select {
		case n := <-d.notifications:
			switch n.kind {
			case nElect:
				d.runElection()
			case nAliveChanged:
				if d.coordinator {
					d.handleAliveChanged()
				}
			case nCustomChanged:
				if d.coordinator {
					d.handleCustomChanged()
				}
			case nEvtsChanged:
				if !d.coordinator {
					d.replayRemote(n.data)
				}
			case nAck:
				if d.coordinator {
					d.handleAck(n.internalID, n.data)
				}
			case nConnLost:
				d.handleSegmentation()
				return
			}
		case <-d.stop:
			return
		}
	}
}

// post delivers a notification into the dispatch loop without blocking a
// stopped instance.
func (d *Discovery) post(n notification) {
	select {
	case d.notifications <- n:
	case <-d.stop:
	}
}

func (d *Discovery) onConnectionLoss() {
	d.post(notification{kind: nConnLost})
}

// watchEvents observes the serialized event log. Every node replays it;
// the coordinator replays inline after writing and ignores the echo.
func (d *Discovery) watchEvents() {
	go func() {
		for {
			data, events, err := d.conn.GetW(d.keys.evts())
			if err != nil {
				return
			}
			d.post(notification{kind: nEvtsChanged, data: data})
			select {
			case evt := <-events:
				if evt.Err != nil {
					return
				}
			case <-d.stop:
				return
			}
		}
	}()
}

// handleSegmentation is the terminal transition after session loss.
func (d *Discovery) handleSegmentation() {
	Logger.Errorf("zookeeper session lost, node %s segmented", d.localID)

	if d.joined {
		d.notify(NodeSegmented, d.topVer, d.view.getByID(d.localID), nil)
	} else {
		d.completeJoin(ErrSegmented)
	}
}

func (d *Discovery) completeJoin(err error) {
	d.joinOnce.Do(func() { d.joinDone <- err })
}

func (d *Discovery) notify(evtType DiscoveryEventType, topVer int64, node *ClusterNode, message interface{}) {
	if d.listener == nil {
		return
	}
	d.listener(evtType, topVer, node, d.view.snapshot(), message)
}

// writeAliveRecord publishes this node's replay progress on its alive-node
// znode so the coordinator can account acks.
func (d *Discovery) writeAliveRecord() {
	rec, err := d.codec.Encode(aliveRecord{LastProcessedEvtID: d.lastProcessedEvtID})
	if err != nil {
		Logger.Errorf("encode alive record: %v", err)
		return
	}
	if err := d.conn.Set(d.aliveNodePath, rec, -1); err != nil {
		Logger.Warnf("write alive record: %v", err)
	}
}

// fetchCustomPayload reads a custom message submission, caching it so a
// replayed log suffix does not refetch.
func (d *Discovery) fetchCustomPayload(name string) []byte {
	if v, ok := d.customCache.Get(name); ok {
		return v.([]byte)
	}

	data, err := d.conn.Get(d.keys.customEvt(name))
	if err != nil {
		if !isNoNode(err) {
			Logger.Warnf("fetch custom payload %s: %v", name, err)
		}
		return nil
	}
	d.customCache.Add(name, data)
	return data
}

// SendCustomMessage broadcasts an opaque message through the event log. It
// is fire and forget: delivery happens when the coordinator folds the
// submission into the log.
func (d *Discovery) SendCustomMessage(msg interface{}) error {
	data, err := d.codec.Encode(msg)
	if err != nil {
		return errors.Wrap(err, "encode custom message")
	}
	_, err = d.conn.Create(d.keys.customEvtPrefix(d.localID), data, zk.FlagSequence)
	return err
}

// LocalNode returns this node's view of itself, or nil before the join
// completed.
func (d *Discovery) LocalNode() *ClusterNode {
	return d.view.getByID(d.localID)
}

// LocalNodeID returns the stable identity of this process.
func (d *Discovery) LocalNodeID() uuid.UUID {
	return d.localID
}

// Nodes returns the current topology ordered by node order.
func (d *Discovery) Nodes() []*ClusterNode {
	return d.view.snapshot()
}

// RemoteNodes returns every joined node except the local one.
func (d *Discovery) RemoteNodes() []*ClusterNode {
	nodes := d.view.snapshot()
	out := make([]*ClusterNode, 0, len(nodes))
	for _, n := range nodes {
		if n.ID != d.localID {
			out = append(out, n)
		}
	}
	return out
}

// Node returns the joined node with the given id, or nil.
func (d *Discovery) Node(id uuid.UUID) *ClusterNode {
	return d.view.getByID(id)
}

// KnownNode scans the alive-nodes directory for the given id. Unlike Node
// it observes members whose join event has not been replayed locally yet.
func (d *Discovery) KnownNode(id uuid.UUID) (bool, error) {
	children, err := d.conn.Children(d.keys.aliveNodes())
	if err != nil {
		return false, err
	}
	for _, name := range children {
		nodeID, _, _, err := parseAliveName(name)
		if err != nil {
			continue
		}
		if nodeID == id {
			return true, nil
		}
	}
	return false, nil
}

// PingNode reports whether the node is currently a live member. There is no
// separate liveness probe.
func (d *Discovery) PingNode(id uuid.UUID) (bool, error) {
	return d.KnownNode(id)
}

// GridStartTime returns the cluster start time in unix milliseconds, fixed
// when the first coordinator was elected. Zero before the local node has
// observed the event log.
func (d *Discovery) GridStartTime() int64 {
	d.Lock()
	defer d.Unlock()
	return d.gridStartTime
}

// TopologyVersion returns the last topology version observed locally.
func (d *Discovery) TopologyVersion() int64 {
	d.Lock()
	defer d.Unlock()
	return d.topVer
}

// IsCoordinator reports whether this node currently generates the event
// log.
func (d *Discovery) IsCoordinator() bool {
	d.Lock()
	defer d.Unlock()
	return d.coordinator
}

func (d *Discovery) setCoordinator(v bool) {
	d.Lock()
	d.coordinator = v
	d.Unlock()
}

func (d *Discovery) setJoined() {
	d.Lock()
	d.joined = true
	d.Unlock()
}

func (d *Discovery) setTopVer(v int64) {
	d.Lock()
	if v > d.topVer {
		d.topVer = v
	}
	d.Unlock()
}

func (d *Discovery) setGridStartTime(v int64) {
	d.Lock()
	d.gridStartTime = v
	d.Unlock()
}
