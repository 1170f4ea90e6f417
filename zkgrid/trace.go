package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/zkgrid/gozkgrid"
)

func init() {
	log.SetOutput(os.Stdout)
	log.SetLevel(log.InfoLevel)
}

// trace joins the cluster as a passive member and logs every discovery
// notification until interrupted.
func trace(zkSvr, basePath, cluster string, debug bool) {
	if debug {
		log.SetLevel(log.DebugLevel)
		gozkgrid.Logger.SetLevel(log.DebugLevel)
	}

	manager := gozkgrid.NewManager(zkSvr)
	manager.SetBasePath(basePath)

	d := manager.NewDiscovery(cluster)
	d.SetListener(func(evtType gozkgrid.DiscoveryEventType, topVer int64, node *gozkgrid.ClusterNode, snapshot []*gozkgrid.ClusterNode, message interface{}) {
		entry := log.WithFields(log.Fields{
			"type":    evtType.String(),
			"topVer":  topVer,
			"cluster": cluster,
			"size":    len(snapshot),
		})
		if node != nil {
			entry = entry.WithField("node", node.ID.String())
		}
		if message != nil {
			entry = entry.WithField("message", fmt.Sprintf("%v", message))
		}
		entry.Info("discovery event")
	})

	if err := d.Join(); err != nil {
		log.Errorf("join failed: %v", err)
		return
	}
	defer d.Disconnect()

	log.Infof("joined %s as %s, grid started at %d", cluster, d.LocalNodeID(), d.GridStartTime())

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c
}

// send joins the cluster, broadcasts one message and leaves.
func send(zkSvr, basePath, cluster, message string) {
	manager := gozkgrid.NewManager(zkSvr)
	manager.SetBasePath(basePath)

	d := manager.NewDiscovery(cluster)
	if err := d.Join(); err != nil {
		log.Errorf("join failed: %v", err)
		return
	}
	defer d.Disconnect()

	if err := d.SendCustomMessage(message); err != nil {
		log.Errorf("send failed: %v", err)
		return
	}
	log.Infof("message sent to %s", cluster)
}
