package gozkgrid

import (
	"github.com/google/uuid"
)

// eventKind tags the discovery event variants.
type eventKind uint8

const (
	evtJoin   eventKind = 1
	evtFail   eventKind = 2
	evtCustom eventKind = 3
)

// discoveryEvent is one entry of the canonical event log. Join, fail and
// custom events share the id / topology-version header; the other fields
// are variant specific.
type discoveryEvent struct {
	ID     int64     `json:"id"`
	TopVer int64     `json:"topVer"`
	Kind   eventKind `json:"kind"`

	// Join: the joined node and its assigned internal id.
	// Fail: InternalID is the failed node.
	NodeID     uuid.UUID `json:"nodeId,omitempty"`
	InternalID int64     `json:"internalId,omitempty"`

	// Custom: the sender and the name of its submission znode.
	SenderID   uuid.UUID `json:"senderId,omitempty"`
	SourcePath string    `json:"sourcePath,omitempty"`

	// Coordinator-only state. The joining bag and message bytes live in
	// the emitting coordinator's memory; other nodes fetch them from
	// zookeeper. The ack set is rebuilt by a new coordinator on takeover.
	joiningData   *DataBag
	message       []byte
	remainingAcks map[int64]struct{}
}

// resetAcks initializes the remaining-ack set to the given internal ids,
// excluding the coordinator, which acks implicitly by emitting.
func (e *discoveryEvent) resetAcks(internalIDs []int64, coordinatorID int64) {
	e.remainingAcks = make(map[int64]struct{}, len(internalIDs))
	for _, id := range internalIDs {
		if id != coordinatorID {
			e.remainingAcks[id] = struct{}{}
		}
	}
}

// ackReceived removes internalID from the ack set iff the reported replay
// progress covers this event. It reports whether the set is now empty.
func (e *discoveryEvent) ackReceived(internalID, lastProcessedEvtID int64) bool {
	if lastProcessedEvtID >= e.ID {
		delete(e.remainingAcks, internalID)
	}
	return len(e.remainingAcks) == 0
}

// nodeFailed removes a failed member from the ack set: it will never ack.
// It reports whether the set is now empty.
func (e *discoveryEvent) nodeFailed(internalID int64) bool {
	delete(e.remainingAcks, internalID)
	return len(e.remainingAcks) == 0
}

func (e *discoveryEvent) allAcksReceived() bool {
	return len(e.remainingAcks) == 0
}

// eventLog is the serialized cluster history plus its counters. It is
// created by the first coordinator, mutated only by the current
// coordinator, and replayed by everyone.
type eventLog struct {
	TopVer             int64 `json:"topVer"`
	EvtIDGen           int64 `json:"evtIdGen"`
	ProcessedCustomSeq int64 `json:"processedCustomSeq"`
	GridStartTime      int64 `json:"gridStartTime"`

	// Events not yet acknowledged by every member, ascending by id.
	Events []*discoveryEvent `json:"events"`
}

func newEventLog() *eventLog {
	// sequence numbers start at zero, so the high-water mark starts below
	return &eventLog{ProcessedCustomSeq: -1}
}

func (l *eventLog) append(e *discoveryEvent) {
	l.Events = append(l.Events, e)
}

// eventsAfter returns the suffix of events with id greater than evtID.
// Events are kept ascending, so this is a simple scan for the cut point.
func (l *eventLog) eventsAfter(evtID int64) []*discoveryEvent {
	for i, e := range l.Events {
		if e.ID > evtID {
			return l.Events[i:]
		}
	}
	return nil
}

// removeAll drops the given events from the log.
func (l *eventLog) removeAll(done map[int64]bool) {
	if len(done) == 0 {
		return
	}

	kept := l.Events[:0]
	for _, e := range l.Events {
		if !done[e.ID] {
			kept = append(kept, e)
		}
	}
	l.Events = kept
}
