package gozkgrid

import "time"

// DefaultBasePath is where clusters live unless configured otherwise.
const DefaultBasePath = "/zkgrid"

// Manager is the entry point: it binds a zookeeper connection string and a
// base path and hands out per-cluster instances.
type Manager struct {
	zkAddress string
	basePath  string
}

func NewManager(zkAddress string) *Manager {
	return &Manager{
		zkAddress: zkAddress,
		basePath:  DefaultBasePath,
	}
}

// SetBasePath overrides the default base path for every instance created
// afterwards.
func (m *Manager) SetBasePath(basePath string) {
	m.basePath = basePath
}

// NewDiscovery creates a discovery instance for the named cluster.
func (m *Manager) NewDiscovery(clusterName string) *Discovery {
	return NewDiscovery(m.zkAddress, m.basePath, clusterName)
}

// NewDiscoveryWithTimeout creates a discovery instance with an explicit
// session timeout.
func (m *Manager) NewDiscoveryWithTimeout(clusterName string, sessionTimeout time.Duration) *Discovery {
	d := NewDiscovery(m.zkAddress, m.basePath, clusterName)
	d.SessionTimeout = sessionTimeout
	return d
}

// NewAdmin creates an administration handle sharing this manager's
// zookeeper address and base path.
func (m *Manager) NewAdmin() *Admin {
	return &Admin{ZkSvr: m.zkAddress, BasePath: m.basePath}
}
