package gozkgrid

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrClusterExists is returned when adding a cluster that is already
	// set up.
	ErrClusterExists = errors.New("cluster already exists")

	// ErrClusterNotEmpty is returned when dropping a cluster that still
	// has alive members.
	ErrClusterNotEmpty = errors.New("cluster has alive members")
)

// Admin handles cluster administration: creating and dropping the
// zookeeper structures and inspecting live membership without joining.
type Admin struct {
	ZkSvr    string
	BasePath string
}

func (adm *Admin) connect() (*Connection, error) {
	conn := NewConnection(adm.ZkSvr, 30*time.Second)
	if err := conn.Connect(); err != nil {
		return nil, err
	}
	return conn, nil
}

func (adm *Admin) keys(cluster string) KeyBuilder {
	return KeyBuilder{BasePath: adm.BasePath, ClusterName: cluster}
}

// AddCluster creates the persistent paths of a cluster. The alive-nodes
// directory is created last: its existence marks the cluster as set up.
func (adm *Admin) AddCluster(cluster string) error {
	if cluster == "" {
		return ErrBadClusterName
	}
	if err := validateBasePath(adm.BasePath); err != nil {
		return err
	}

	conn, err := adm.connect()
	if err != nil {
		return err
	}
	defer conn.Disconnect()

	keys := adm.keys(cluster)
	exists, err := conn.Exists(keys.aliveNodes())
	if err != nil {
		return err
	}
	if exists {
		return ErrClusterExists
	}

	return conn.CreateAllIfNeeded(keys.basePaths()...)
}

// DropCluster removes a cluster and all its data. It refuses to drop a
// cluster with alive members.
func (adm *Admin) DropCluster(cluster string) error {
	conn, err := adm.connect()
	if err != nil {
		return err
	}
	defer conn.Disconnect()

	keys := adm.keys(cluster)
	alive, err := conn.Children(keys.aliveNodes())
	if err != nil && !isNoNode(err) {
		return err
	}
	if len(alive) > 0 {
		return ErrClusterNotEmpty
	}

	return conn.DeleteTree(keys.cluster())
}

// ListClusters lists the cluster names under the base path.
func (adm *Admin) ListClusters() ([]string, error) {
	conn, err := adm.connect()
	if err != nil {
		return nil, err
	}
	defer conn.Disconnect()

	clusters, err := conn.Children(adm.BasePath)
	if err != nil {
		if isNoNode(err) {
			return nil, nil
		}
		return nil, err
	}
	return clusters, nil
}

// ListNodes decodes the alive-node tokens of a cluster.
func (adm *Admin) ListNodes(cluster string) ([]*ClusterNode, error) {
	conn, err := adm.connect()
	if err != nil {
		return nil, err
	}
	defer conn.Disconnect()

	keys := adm.keys(cluster)
	children, err := conn.Children(keys.aliveNodes())
	if err != nil {
		if isNoNode(err) {
			return nil, ErrClusterNotSetup
		}
		return nil, err
	}

	nodes := make([]*ClusterNode, 0, len(children))
	for _, name := range children {
		id, _, internalID, err := parseAliveName(name)
		if err != nil {
			Logger.Warnf("skipping %v", err)
			continue
		}
		nodes = append(nodes, &ClusterNode{ID: id, InternalID: internalID})
	}
	return nodes, nil
}

// KnownNode reports whether the node currently holds an alive token in the
// cluster, without joining it.
func (adm *Admin) KnownNode(cluster string, id uuid.UUID) (bool, error) {
	nodes, err := adm.ListNodes(cluster)
	if err != nil {
		return false, err
	}
	for _, n := range nodes {
		if n.ID == id {
			return true, nil
		}
	}
	return false, nil
}
