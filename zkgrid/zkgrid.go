// Command zkgrid is the administration and inspection tool for zkgrid
// clusters.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/zkgrid/gozkgrid"
)

func main() {
	app := cli.NewApp()
	app.Name = "zkgrid"
	app.Usage = "zookeeper-backed cluster membership tool"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "zkSvr, z",
			Usage:  "zookeeper connection string",
			Value:  "localhost:2181",
			EnvVar: "ZOOKEEPER",
		},
		cli.StringFlag{
			Name:   "basePath, b",
			Usage:  "base path of all clusters",
			Value:  gozkgrid.DefaultBasePath,
			EnvVar: "ZKGRID_BASE_PATH",
		},
		cli.BoolFlag{
			Name:  "debug, D",
			Usage: "show debug output",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:  "addCluster",
			Usage: "create the zookeeper structures of a cluster",
			Action: func(c *cli.Context) error {
				if err := mustArgc(c, 1); err != nil {
					return err
				}

				cluster := c.Args().First()
				if err := newAdmin(c).AddCluster(cluster); err != nil {
					return err
				}
				fmt.Println("Cluster '" + cluster + "' created.")
				return nil
			},
		},
		{
			Name:  "dropCluster",
			Usage: "remove a cluster and all its data",
			Action: func(c *cli.Context) error {
				if err := mustArgc(c, 1); err != nil {
					return err
				}

				cluster := c.Args().First()
				if err := newAdmin(c).DropCluster(cluster); err != nil {
					return err
				}
				fmt.Println("Cluster '" + cluster + "' deleted.")
				return nil
			},
		},
		{
			Name:  "listClusters",
			Usage: "list clusters under the base path",
			Action: func(c *cli.Context) error {
				clusters, err := newAdmin(c).ListClusters()
				if err != nil {
					return err
				}
				for _, cluster := range clusters {
					fmt.Println(cluster)
				}
				return nil
			},
		},
		{
			Name:  "listNodes",
			Usage: "list the alive members of a cluster",
			Action: func(c *cli.Context) error {
				if err := mustArgc(c, 1); err != nil {
					return err
				}

				nodes, err := newAdmin(c).ListNodes(c.Args().First())
				if err != nil {
					return err
				}
				for _, n := range nodes {
					fmt.Printf("%s\tinternalId=%d\n", n.ID, n.InternalID)
				}
				return nil
			},
		},
		{
			Name:  "trace",
			Usage: "join a cluster and log every discovery event",
			Action: func(c *cli.Context) error {
				if err := mustArgc(c, 1); err != nil {
					return err
				}
				trace(c.GlobalString("zkSvr"), c.GlobalString("basePath"), c.Args().First(), c.GlobalBool("debug"))
				return nil
			},
		},
		{
			Name:  "send",
			Usage: "join a cluster and broadcast one custom message",
			Action: func(c *cli.Context) error {
				if err := mustArgc(c, 2); err != nil {
					return err
				}
				send(c.GlobalString("zkSvr"), c.GlobalString("basePath"), c.Args().First(), c.Args().Get(1))
				return nil
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Println(err.Error())
		os.Exit(1)
	}
}

func newAdmin(c *cli.Context) *gozkgrid.Admin {
	return &gozkgrid.Admin{
		ZkSvr:    c.GlobalString("zkSvr"),
		BasePath: c.GlobalString("basePath"),
	}
}

func mustArgc(c *cli.Context, n int) error {
	if len(c.Args()) != n {
		return fmt.Errorf("expect %d argument(s), got %d", n, len(c.Args()))
	}
	return nil
}
