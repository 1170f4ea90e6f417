package gozkgrid

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/yichen/go-zookeeper/zk"
)

// aliveEntry is one parsed child of the alive-nodes directory.
type aliveEntry struct {
	id         uuid.UUID
	joinSeq    int64
	internalID int64
	name       string
}

func (d *Discovery) readAliveEntries() ([]aliveEntry, error) {
	children, err := d.conn.Children(d.keys.aliveNodes())
	if err != nil {
		return nil, err
	}

	entries := make([]aliveEntry, 0, len(children))
	for _, name := range children {
		id, joinSeq, internalID, err := parseAliveName(name)
		if err != nil {
			Logger.Warnf("skipping %v", err)
			continue
		}
		entries = append(entries, aliveEntry{id: id, joinSeq: joinSeq, internalID: internalID, name: name})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].internalID < entries[j].internalID })
	return entries, nil
}

// runElection applies the next-in-line rule: the alive node with the
// minimum internal id is the coordinator, everyone else watches the entry
// directly below its own. A fired or already-missing predecessor re-reads
// the children and repeats, so concurrent multi-failure windows converge
// without unconditional promotion.
func (d *Discovery) runElection() {
	if d.coordinator {
		return
	}

	entries, err := d.readAliveEntries()
	if err != nil {
		Logger.Errorf("election read failed: %v", err)
		return
	}

	var pred *aliveEntry
	minID := int64(-1)
	for i := range entries {
		e := entries[i]
		if minID == -1 || e.internalID < minID {
			minID = e.internalID
		}
		if e.internalID < d.internalID && (pred == nil || e.internalID > pred.internalID) {
			pred = &entries[i]
		}
	}

	if minID == -1 || minID == d.internalID {
		d.becomeCoordinator()
		return
	}
	if pred == nil {
		// own token not visible yet, try again
		d.post(notification{kind: nElect})
		return
	}

	Logger.Debugf("node %d watching predecessor %d", d.internalID, pred.internalID)
	d.watchPredecessor(d.keys.aliveNode(pred.name))
}

// watchPredecessor re-triggers election when the watched entry disappears,
// either through a watch fire or an immediate miss.
func (d *Discovery) watchPredecessor(path string) {
	go func() {
		for {
			exists, events, err := d.conn.ExistsW(path)
			if err != nil || !exists {
				d.post(notification{kind: nElect})
				return
			}
			select {
			case evt := <-events:
				if evt.Type == zk.EventNodeDeleted || evt.Err != nil {
					d.post(notification{kind: nElect})
					return
				}
				// data change (an ack write): re-arm
			case <-d.stop:
				return
			}
		}
	}()
}

// becomeCoordinator inherits or creates the event log and installs the
// coordinator watches.
func (d *Discovery) becomeCoordinator() {
	Logger.Infof("node %s (internal id %d) is coordinator of cluster %s", d.localID, d.internalID, d.ClusterName)
	d.setCoordinator(true)

	data, err := d.conn.Get(d.keys.evts())
	if err != nil && !isNoNode(err) {
		Logger.Errorf("coordinator bootstrap read failed: %v", err)
		return
	}

	if len(data) > 0 {
		lg := newEventLog()
		if derr := d.codec.Decode(data, lg); derr != nil {
			Logger.Errorf("coordinator bootstrap decode failed: %v", derr)
			d.completeJoin(derr)
			return
		}
		d.log = lg
		d.setGridStartTime(lg.GridStartTime)
		d.rebuildAcks()
		d.replayLocal()
	} else {
		d.log = newEventLog()
	}

	if !d.joined && len(d.log.Events) == 0 && d.log.EvtIDGen == 0 {
		d.firstMemberBootstrap()
	}

	d.watchAliveNodes()
	d.watchCustomEvts()
}

// rebuildAcks resets every inherited event's ack set against the current
// alive set: members that already acknowledged re-report through the ack
// watches, joiners that never arrived are dropped. Events whose set is
// already empty are processed and removed.
func (d *Discovery) rebuildAcks() {
	entries, err := d.readAliveEntries()
	if err != nil {
		Logger.Errorf("ack rebuild read failed: %v", err)
		return
	}

	aliveIDs := make([]int64, 0, len(entries))
	for _, e := range entries {
		aliveIDs = append(aliveIDs, e.internalID)
	}

	done := make(map[int64]bool)
	for _, e := range d.log.Events {
		e.resetAcks(aliveIDs, d.internalID)
		// an event the local replay has not delivered yet stays in the
		// log even with an empty ack set; replay completes it
		if e.allAcksReceived() && e.ID <= d.lastProcessedEvtID {
			d.completeEvent(e)
			done[e.ID] = true
		}
	}
	d.log.removeAll(done)
}

// firstMemberBootstrap creates the cluster: fix the grid start time and
// seed the log with a synthetic join for self at topology version 1.
func (d *Discovery) firstMemberBootstrap() {
	now := time.Now().UnixNano() / int64(time.Millisecond)
	d.setGridStartTime(now)

	d.log.GridStartTime = now
	d.log.TopVer = 1
	d.log.EvtIDGen = 1

	e := &discoveryEvent{
		ID:         1,
		TopVer:     1,
		Kind:       evtJoin,
		NodeID:     d.localID,
		InternalID: d.internalID,
	}
	e.resetAcks(nil, d.internalID)
	d.log.append(e)

	if err := d.persistLog(); err != nil {
		Logger.Errorf("first member bootstrap persist failed: %v", err)
		d.completeJoin(err)
		return
	}

	n := &ClusterNode{ID: d.localID, InternalID: d.internalID, Order: 1}
	d.view.add(n)
	d.setJoined()
	d.lastProcessedEvtID = 1
	d.setTopVer(1)

	Logger.Infof("cluster %s started, grid start time %d", d.ClusterName, now)
	d.notify(NodeJoined, 1, n, nil)
	d.completeJoin(nil)

	// nobody else to ack the synthetic join
	d.log.removeAll(map[int64]bool{e.ID: true})
}

func (d *Discovery) watchAliveNodes() {
	go func() {
		for {
			_, events, err := d.conn.ChildrenW(d.keys.aliveNodes())
			if err != nil {
				return
			}
			d.post(notification{kind: nAliveChanged})
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

func (d *Discovery) watchCustomEvts() {
	go func() {
		for {
			_, events, err := d.conn.ChildrenW(d.keys.customEvts())
			if err != nil {
				return
			}
			d.post(notification{kind: nCustomChanged})
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

// ensureAckWatchers installs a data watch on every alive node other than
// self so replay progress reaches the ack accounting.
func (d *Discovery) ensureAckWatchers(entries []aliveEntry) {
	for _, e := range entries {
		if e.internalID == d.internalID || d.ackWatched[e.internalID] {
			continue
		}
		d.ackWatched[e.internalID] = true
		d.watchAcks(e.internalID, e.name)
	}
}

func (d *Discovery) watchAcks(internalID int64, name string) {
	p := d.keys.aliveNode(name)
	go func() {
		for {
			data, events, err := d.conn.GetW(p)
			if err != nil {
				// gone: its failure reaches us through the children watch
				return
			}
			d.post(notification{kind: nAck, internalID: internalID, data: data})
			select {
			case evt := <-events:
				if evt.Type == zk.EventNodeDeleted || evt.Err != nil {
					return
				}
			case <-d.stop:
				return
			}
		}
	}()
}

// handleAliveChanged diffs the alive set against the local view and emits
// join and fail events. Joins are generated in ascending internal id
// order; the whole batch is persisted in a single log write and then
// replayed locally.
func (d *Discovery) handleAliveChanged() {
	entries, err := d.readAliveEntries()
	if err != nil {
		Logger.Errorf("alive read failed: %v", err)
		return
	}

	present := make(map[int64]bool, len(entries))
	var added []aliveEntry
	for _, e := range entries {
		present[e.internalID] = true
		if d.view.getByInternalID(e.internalID) == nil {
			added = append(added, e)
		}
	}

	var removed []int64
	for _, id := range d.view.internalIDs() {
		if !present[id] {
			removed = append(removed, id)
		}
	}

	// running post-event topology for ack-set initialization
	curIDs := d.view.internalIDs()
	// topology snapshot handed to each joiner, grown as the batch proceeds
	batch := make([]ClusterNode, 0, len(added))

	emitted := false
	for _, a := range added {
		e, node, ok := d.generateJoin(a, curIDs, batch)
		if !ok {
			continue
		}
		curIDs = append(curIDs, a.internalID)
		batch = append(batch, *node)
		d.log.append(e)
		emitted = true
	}

	for _, rid := range removed {
		d.processAcksOnNodeFail(rid)

		d.log.TopVer++
		d.log.EvtIDGen++
		e := &discoveryEvent{
			ID:         d.log.EvtIDGen,
			TopVer:     d.log.TopVer,
			Kind:       evtFail,
			InternalID: rid,
		}
		curIDs = removeID(curIDs, rid)
		e.resetAcks(curIDs, d.internalID)
		d.log.append(e)
		emitted = true
	}

	if emitted {
		if err := d.persistLog(); err != nil {
			Logger.Errorf("event log persist failed: %v", err)
			return
		}
		d.replayLocal()
	}

	d.ensureAckWatchers(entries)
}

// generateJoin builds one join event. A missing joining-data znode means
// the joiner died before completing; an undecodable one is treated the
// same way and the join is skipped.
func (d *Discovery) generateJoin(a aliveEntry, curIDs []int64, batch []ClusterNode) (*discoveryEvent, *ClusterNode, bool) {
	raw, err := d.conn.Get(d.keys.joinDataNode(a.id, a.joinSeq))
	if err != nil {
		if isNoNode(err) {
			Logger.Infof("joiner %s left before its data was read, skipping", a.id)
		} else {
			Logger.Errorf("joining data read failed for %s: %v", a.id, err)
		}
		return nil, nil, false
	}

	bag := &DataBag{}
	if err := d.codec.Decode(raw, bag); err != nil {
		Logger.Warnf("joining data of %s does not decode, treating joiner as dead: %v", a.id, err)
		return nil, nil, false
	}

	d.log.TopVer++
	d.log.EvtIDGen++

	node := &ClusterNode{ID: a.id, InternalID: a.internalID, Order: d.log.TopVer}
	e := &discoveryEvent{
		ID:          d.log.EvtIDGen,
		TopVer:      d.log.TopVer,
		Kind:        evtJoin,
		NodeID:      a.id,
		InternalID:  a.internalID,
		joiningData: bag,
	}
	e.resetAcks(append(append([]int64{}, curIDs...), a.internalID), d.internalID)

	// snapshot for the joiner: everything already in the view, the batch
	// so far, and the joiner itself
	snap := make([]ClusterNode, 0, d.view.size()+len(batch)+1)
	for _, n := range d.view.snapshot() {
		snap = append(snap, *n)
	}
	snap = append(snap, batch...)
	snap = append(snap, *node)

	common := &DataBag{NodeID: d.localID}
	d.exchange.Collect(common)

	joinedBytes, err := d.codec.Encode(joinedData{Snapshot: snap, Common: common.Common})
	if err != nil {
		Logger.Errorf("encode joined data for %s: %v", a.id, err)
		return nil, nil, false
	}

	if _, err := d.conn.Create(d.keys.evt(e.ID), []byte{}, 0); err != nil && !isNodeExists(err) {
		Logger.Errorf("persist join payloads for %s: %v", a.id, err)
		return nil, nil, false
	}
	if _, err := d.conn.Create(d.keys.evtJoinData(e.ID), raw, 0); err != nil && !isNodeExists(err) {
		Logger.Errorf("persist join payloads for %s: %v", a.id, err)
		return nil, nil, false
	}
	if _, err := d.conn.Create(d.keys.evtJoined(e.ID), joinedBytes, 0); err != nil && !isNodeExists(err) {
		Logger.Errorf("persist join payloads for %s: %v", a.id, err)
		return nil, nil, false
	}

	d.exchange.OnExchange(bag)
	return e, node, true
}

// processAcksOnNodeFail drops a failed member from every pending ack set
// and processes events that become complete.
func (d *Discovery) processAcksOnNodeFail(internalID int64) {
	done := make(map[int64]bool)
	for _, e := range d.log.Events {
		if e.nodeFailed(internalID) && e.ID <= d.lastProcessedEvtID {
			d.completeEvent(e)
			done[e.ID] = true
		}
	}
	d.log.removeAll(done)
	delete(d.ackWatched, internalID)
}

// handleCustomChanged folds new custom submissions into the log in sequence
// order. Submissions from unknown senders are deleted and ignored.
func (d *Discovery) handleCustomChanged() {
	children, err := d.conn.Children(d.keys.customEvts())
	if err != nil {
		Logger.Errorf("custom events read failed: %v", err)
		return
	}

	type submission struct {
		id   uuid.UUID
		seq  int64
		name string
	}
	subs := make([]submission, 0, len(children))
	for _, name := range children {
		id, seq, err := parseSeqName(name)
		if err != nil {
			Logger.Warnf("skipping %v", err)
			continue
		}
		subs = append(subs, submission{id: id, seq: seq, name: name})
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })

	emitted := false
	for _, s := range subs {
		if s.seq <= d.log.ProcessedCustomSeq {
			continue
		}

		if !d.view.contains(s.id) {
			Logger.Warnf("custom message from unknown sender %s, discarding", s.id)
			if err := d.conn.Delete(d.keys.customEvt(s.name)); err != nil && !isNoNode(err) {
				Logger.Warnf("discard %s: %v", s.name, err)
			}
			d.log.ProcessedCustomSeq = s.seq
			continue
		}

		raw, err := d.conn.Get(d.keys.customEvt(s.name))
		if err != nil {
			if isNoNode(err) {
				d.log.ProcessedCustomSeq = s.seq
				continue
			}
			Logger.Errorf("custom payload read failed: %v", err)
			return
		}

		var msg interface{}
		if err := d.codec.Decode(raw, &msg); err != nil {
			Logger.Warnf("custom message %s does not decode, discarding: %v", s.name, err)
			if derr := d.conn.Delete(d.keys.customEvt(s.name)); derr != nil && !isNoNode(derr) {
				Logger.Warnf("discard %s: %v", s.name, derr)
			}
			d.log.ProcessedCustomSeq = s.seq
			continue
		}

		d.log.EvtIDGen++
		e := &discoveryEvent{
			ID:         d.log.EvtIDGen,
			TopVer:     d.log.TopVer,
			Kind:       evtCustom,
			SenderID:   s.id,
			SourcePath: s.name,
			message:    raw,
		}
		e.resetAcks(d.view.internalIDs(), d.internalID)
		d.log.append(e)
		d.log.ProcessedCustomSeq = s.seq
		emitted = true
	}

	if emitted {
		if err := d.persistLog(); err != nil {
			Logger.Errorf("event log persist failed: %v", err)
			return
		}
		d.replayLocal()
	}
}

// handleAck applies one member's replay progress to every pending event.
// The serialized log is not rewritten here; trimmed entries disappear from
// zookeeper with the next topology or custom write.
func (d *Discovery) handleAck(internalID int64, data []byte) {
	if len(data) == 0 {
		return
	}

	rec := aliveRecord{}
	if err := d.codec.Decode(data, &rec); err != nil {
		Logger.Warnf("alive record of %d does not decode: %v", internalID, err)
		return
	}

	done := make(map[int64]bool)
	for _, e := range d.log.Events {
		if e.ackReceived(internalID, rec.LastProcessedEvtID) && e.ID <= d.lastProcessedEvtID {
			d.completeEvent(e)
			done[e.ID] = true
		}
	}
	d.log.removeAll(done)
}

// completeEvent runs the ack-side cleanup once every member in the initial
// ack set has acknowledged or failed.
func (d *Discovery) completeEvent(e *discoveryEvent) {
	switch e.Kind {
	case evtJoin:
		if err := d.conn.DeleteTree(d.keys.evt(e.ID)); err != nil {
			Logger.Warnf("cleanup of event %d: %v", e.ID, err)
		}
	case evtCustom:
		if err := d.conn.Delete(d.keys.customEvt(e.SourcePath)); err != nil && !isNoNode(err) {
			Logger.Warnf("cleanup of event %d: %v", e.ID, err)
		}
	case evtFail:
	}
}

// persistLog writes the whole serialized log. The coordinator is the only
// writer, so version -1 is safe.
func (d *Discovery) persistLog() error {
	data, err := d.codec.Encode(d.log)
	if err != nil {
		return err
	}
	return d.conn.Set(d.keys.evts(), data, -1)
}

func removeID(ids []int64, id int64) []int64 {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
