// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"fmt"
	"net"
	"os"

	"github.com/mdlayher/vsock"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/retrage/akari/agent"
	"github.com/retrage/akari/pkg/version"
)

// defaultPort is the virtual-socket port the runtime dials.
const defaultPort = 1024

var agentLog = logrus.WithFields(logrus.Fields{
	"name":   "akari-agent",
	"source": "agent",
	"pid":    os.Getpid(),
})

func main() {
	app := cli.NewApp()
	app.Name = "akari-agent"
	app.Usage = "guest process supervisor"
	app.Version = version.Version
	app.Flags = []cli.Flag{
		cli.UintFlag{
			Name:  "port",
			Value: defaultPort,
			Usage: "virtual-socket port to listen on",
		},
		cli.StringFlag{
			Name:  "listen",
			Usage: "listen on a unix socket path instead of the virtual socket (for debugging)",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug output for logging",
		},
	}
	app.Action = func(c *cli.Context) error {
		if c.Bool("debug") {
			agentLog.Logger.SetLevel(logrus.DebugLevel)
		}
		return serve(c.String("listen"), uint32(c.Uint("port")))
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(unixPath string, port uint32) error {
	var l net.Listener
	var err error

	if unixPath != "" {
		l, err = net.Listen("unix", unixPath)
	} else {
		l, err = vsock.Listen(port, nil)
	}
	if err != nil {
		return err
	}

	agent.SetLogger(agentLog)
	agentLog.WithField("version", version.Version).Info("listening")

	return agent.New().Serve(l)
}
