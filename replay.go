package gozkgrid

// The replay engine. Every node, coordinator included, walks the event log
// strictly ascending by event id, updates its view and notifies the
// listener, producing identical observations on every member. The
// coordinator replays inline after writing the log; everyone else replays
// on the /evts data watch.

// replayLocal replays the coordinator's in-memory log and trims events
// whose ack set is already empty.
func (d *Discovery) replayLocal() {
	d.replay(d.log)
}

// replayRemote decodes a watched log write and replays it.
func (d *Discovery) replayRemote(data []byte) {
	if len(data) == 0 {
		return
	}

	lg := newEventLog()
	if err := d.codec.Decode(data, lg); err != nil {
		Logger.Errorf("event log does not decode: %v", err)
		d.completeJoin(err)
		return
	}

	d.setGridStartTime(lg.GridStartTime)
	d.replay(lg)
}

func (d *Discovery) replay(lg *eventLog) {
	done := make(map[int64]bool)
	for _, e := range lg.eventsAfter(d.lastProcessedEvtID) {
		if !d.applyEvent(e, done) {
			return
		}

		d.lastProcessedEvtID = e.ID
		d.setTopVer(e.TopVer)

		d.evtsSinceAck++
		if !d.coordinator && d.joined && d.evtsSinceAck >= d.ackThreshold {
			d.writeAliveRecord()
			d.evtsSinceAck = 0
		}
	}

	if d.coordinator {
		lg.removeAll(done)
	}
}

// applyEvent delivers one event locally. It returns false only on a fatal
// error that must stop the replay.
func (d *Discovery) applyEvent(e *discoveryEvent, done map[int64]bool) bool {
	switch {
	case !d.joined:
		// nothing before the local join is observable
		if e.Kind == evtJoin && e.NodeID == d.localID {
			if !d.finishLocalJoin(e) {
				return false
			}
		}

	case e.Kind == evtJoin:
		if e.NodeID == d.localID {
			break
		}
		d.applyRemoteJoin(e)

	case e.Kind == evtFail:
		if n := d.view.removeByInternalID(e.InternalID); n != nil {
			Logger.Infof("node failed: %s, topology version %d", n, e.TopVer)
			d.notify(NodeFailed, e.TopVer, n, nil)
		}

	case e.Kind == evtCustom:
		d.applyCustom(e)
	}

	if d.coordinator && e.allAcksReceived() {
		d.completeEvent(e)
		done[e.ID] = true
	}
	return true
}

// finishLocalJoin completes the join handshake: install the snapshot the
// coordinator computed for us, load the common data, notify, and release
// the blocked Join call.
func (d *Discovery) finishLocalJoin(e *discoveryEvent) bool {
	raw, err := d.conn.Get(d.keys.evtJoined(e.ID))
	if err != nil {
		Logger.Errorf("joined data read failed: %v", err)
		d.completeJoin(err)
		return false
	}

	jd := joinedData{}
	if err := d.codec.Decode(raw, &jd); err != nil {
		Logger.Errorf("joined data does not decode: %v", err)
		d.completeJoin(err)
		return false
	}

	for i := range jd.Snapshot {
		n := jd.Snapshot[i]
		d.view.add(&n)
	}

	d.exchange.OnExchange(&DataBag{NodeID: d.localID, Common: jd.Common})

	local := d.view.getByID(d.localID)
	if local == nil {
		Logger.Errorf("join snapshot does not contain the local node")
		d.completeJoin(ErrNotJoined)
		return false
	}

	d.setJoined()
	Logger.Infof("joined cluster %s: %s, topology version %d", d.ClusterName, local, e.TopVer)
	d.notify(NodeJoined, e.TopVer, local, nil)
	d.completeJoin(nil)

	// both payloads are consumed now; the coordinator drops what remains
	// once everyone acked
	if err := d.conn.Delete(d.keys.evtJoined(e.ID)); err != nil && !isNoNode(err) {
		Logger.Debugf("joined data cleanup: %v", err)
	}
	if err := d.conn.Delete(d.keys.joinDataNode(d.localID, d.joinSeq)); err != nil && !isNoNode(err) {
		Logger.Debugf("join data cleanup: %v", err)
	}
	return true
}

// applyRemoteJoin delivers another node's join: hand its joining data to
// the exchange, extend the view, notify.
func (d *Discovery) applyRemoteJoin(e *discoveryEvent) {
	if e.joiningData != nil {
		// emitted here: the exchange already consumed the bag when the
		// event was generated
	} else {
		raw, err := d.conn.Get(d.keys.evtJoinData(e.ID))
		if err != nil {
			if !isNoNode(err) {
				Logger.Warnf("joining data read failed for event %d: %v", e.ID, err)
			}
		} else {
			bag := &DataBag{}
			if derr := d.codec.Decode(raw, bag); derr != nil {
				Logger.Errorf("joining data of event %d does not decode: %v", e.ID, derr)
			} else {
				d.exchange.OnExchange(bag)
			}
		}
	}

	n := &ClusterNode{ID: e.NodeID, InternalID: e.InternalID, Order: e.TopVer}
	d.view.add(n)
	Logger.Infof("node joined: %s, topology version %d", n, e.TopVer)
	d.notify(NodeJoined, e.TopVer, n, nil)
}

// applyCustom delivers a custom message. The emitting coordinator has the
// payload in memory; everyone else fetches it from the sender's submission
// znode.
func (d *Discovery) applyCustom(e *discoveryEvent) {
	raw := e.message
	if raw == nil {
		raw = d.fetchCustomPayload(e.SourcePath)
	}
	if raw == nil {
		Logger.Warnf("custom payload of event %d is gone, skipping", e.ID)
		return
	}

	var msg interface{}
	if err := d.codec.Decode(raw, &msg); err != nil {
		Logger.Errorf("custom message of event %d does not decode: %v", e.ID, err)
		return
	}

	d.notify(DiscoveryCustom, e.TopVer, d.view.getByID(e.SenderID), msg)
}
