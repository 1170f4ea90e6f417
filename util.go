package gozkgrid

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Znode name layout. A joining node writes two sequential znodes and the
// assigned sequence numbers become part of its identity:
//
//	/joinData/<uuid>|<seq>                   seq = join sequence
//	/aliveNodes/<uuid>|<joinSeq>|<seq>       seq = internal id
//	/customEvts/<uuid>|<seq>
//
// Zookeeper appends the sequence as a zero-padded 10 digit decimal, so the
// same padding is used when a name is reconstructed from its parts.

const nameSep = "|"

// padSeq renders a sequence number the way zookeeper renders a sequential
// suffix.
func padSeq(seq int64) string {
	return fmt.Sprintf("%010d", seq)
}

// joinDataPrefix is the creation prefix for the pre-join payload znode.
func joinDataPrefix(id uuid.UUID) string {
	return id.String() + nameSep
}

// aliveNodePrefix is the creation prefix for the membership token znode.
func aliveNodePrefix(id uuid.UUID, joinSeq int64) string {
	return id.String() + nameSep + padSeq(joinSeq) + nameSep
}

// customEvtPrefix is the creation prefix for a custom event submission.
func customEvtPrefix(id uuid.UUID) string {
	return id.String() + nameSep
}

// joinDataName reconstructs the name of a pre-join payload znode from the
// parts encoded in an alive-node name.
func joinDataName(id uuid.UUID, joinSeq int64) string {
	return id.String() + nameSep + padSeq(joinSeq)
}

// seqFromPath extracts the sequence number zookeeper appended to a created
// sequential znode path.
func seqFromPath(path string) (int64, error) {
	i := strings.LastIndex(path, nameSep)
	if i < 0 || i == len(path)-1 {
		return 0, errors.Errorf("no sequence suffix in %q", path)
	}

	seq, err := strconv.ParseInt(path[i+1:], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "bad sequence suffix in %q", path)
	}
	return seq, nil
}

// parseSeqName decodes a "<uuid>|<seq>" znode name, the layout of both
// join-data and custom event submissions.
func parseSeqName(name string) (uuid.UUID, int64, error) {
	parts := strings.Split(name, nameSep)
	if len(parts) != 2 {
		return uuid.UUID{}, 0, errors.Errorf("malformed znode name %q", name)
	}

	id, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.UUID{}, 0, errors.Wrapf(err, "bad uuid in %q", name)
	}

	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return uuid.UUID{}, 0, errors.Wrapf(err, "bad sequence in %q", name)
	}
	return id, seq, nil
}

// parseAliveName decodes a "<uuid>|<joinSeq>|<aliveSeq>" alive-node name.
// The trailing sequence is the node's internal id.
func parseAliveName(name string) (id uuid.UUID, joinSeq int64, internalID int64, err error) {
	parts := strings.Split(name, nameSep)
	if len(parts) != 3 {
		return uuid.UUID{}, 0, 0, errors.Errorf("malformed alive-node name %q", name)
	}

	if id, err = uuid.Parse(parts[0]); err != nil {
		return uuid.UUID{}, 0, 0, errors.Wrapf(err, "bad uuid in %q", name)
	}
	if joinSeq, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return uuid.UUID{}, 0, 0, errors.Wrapf(err, "bad join sequence in %q", name)
	}
	if internalID, err = strconv.ParseInt(parts[2], 10, 64); err != nil {
		return uuid.UUID{}, 0, 0, errors.Wrapf(err, "bad alive sequence in %q", name)
	}
	return id, joinSeq, internalID, nil
}

// validateBasePath checks that a configured base path is a well formed
// zookeeper path: absolute, no trailing slash, no empty segments.
func validateBasePath(p string) error {
	if p == "" || p[0] != '/' {
		return ErrBadBasePath
	}
	if p == "/" {
		return nil
	}
	if strings.HasSuffix(p, "/") || strings.Contains(p, "//") {
		return ErrBadBasePath
	}
	return nil
}
