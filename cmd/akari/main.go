// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"fmt"
	"os"
	goruntime "runtime"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/retrage/akari/config"
	"github.com/retrage/akari/persist"
	"github.com/retrage/akari/pkg/version"
	"github.com/retrage/akari/sandbox"
)

// name holds the name of this program
const name = "akari"

const project = "Akari"

// specConfig is the name of the file holding the container's configuration
const specConfig = "config.json"

// arch is the architecture for the running program
const arch = goruntime.GOARCH

var usage = fmt.Sprintf(`%s runtime

%s is a command line program for running applications packaged
according to the Open Container Initiative (OCI) inside lightweight
virtual machines.`, name, project)

// akariLog is the logger used to record all messages
var akariLog *logrus.Entry

// originalLoggerLevel is the default log level. The config file may raise
// it to debug once parsed.
var originalLoggerLevel = logrus.WarnLevel

// rootDir is the runtime root for sandbox records, resolved from the
// --root flag before any sub-command runs.
var rootDir string

// configFilePath is the --akari-config override, empty for the defaults.
var configFilePath string

// defaultOutputFile is the default output file to write the gathered
// information to.
var defaultOutputFile = os.Stdout

// runtimeFlags is the list of supported global command-line flags
var runtimeFlags = []cli.Flag{
	cli.StringFlag{
		Name:  "akari-config",
		Usage: project + " config file path",
	},
	cli.StringFlag{
		Name:  "log",
		Value: "/dev/null",
		Usage: "set the log file path where internal debug information is written",
	},
	cli.StringFlag{
		Name:  "log-format",
		Value: "text",
		Usage: "set the format used by logs ('text' (default), or 'json')",
	},
	cli.StringFlag{
		Name:  "root",
		Usage: "root directory for storage of sandbox state",
	},
	cli.BoolFlag{
		Name:  "debug",
		Usage: "enable debug output for logging",
	},
}

// runtimeCommands is the list of supported command-line (sub-)
// commands.
var runtimeCommands = []cli.Command{
	createCLICommand,
	startCLICommand,
	killCLICommand,
	deleteCLICommand,
	stateCLICommand,
	listCLICommand,
	specCLICommand,
}

func init() {
	akariLog = logrus.WithFields(logrus.Fields{
		"name":   name,
		"source": "runtime",
		"arch":   arch,
		"pid":    os.Getpid(),
	})

	originalLoggerLevel = akariLog.Logger.Level
}

// beforeSubcommands is the function to perform preliminary checks
// before command-line parsing occurs.
func beforeSubcommands(c *cli.Context) error {
	if path := c.GlobalString("log"); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0640)
		if err != nil {
			return err
		}
		akariLog.Logger.Out = f
	}

	switch c.GlobalString("log-format") {
	case "text":
		// retain logrus's default.
	case "json":
		akariLog.Logger.Formatter = new(logrus.JSONFormatter)
	default:
		return fmt.Errorf("unknown log-format option %s", c.GlobalString("log-format"))
	}

	if c.GlobalBool("debug") {
		akariLog.Logger.SetLevel(logrus.DebugLevel)
	}

	configFilePath = c.GlobalString("akari-config")

	var err error
	rootDir, err = persist.RootPath(c.GlobalString("root"))
	if err != nil {
		return err
	}

	// Set the sandbox package logger.
	sandbox.SetLogger(akariLog)

	return nil
}

// loadRuntimeConfig resolves the effective runtime configuration for the
// current invocation.
func loadRuntimeConfig() (config.RuntimeConfig, error) {
	runtimeConfig, err := config.LoadConfiguration(configFilePath)
	if err != nil {
		return config.RuntimeConfig{}, err
	}
	if runtimeConfig.Debug {
		akariLog.Logger.SetLevel(logrus.DebugLevel)
	}
	return runtimeConfig, nil
}

func createRuntimeApp(ctx context.Context, args []string) error {
	app := cli.NewApp()

	app.Name = name
	app.Writer = defaultOutputFile
	app.Usage = usage
	app.Version = version.Version
	app.Flags = runtimeFlags
	app.Commands = runtimeCommands
	app.Before = beforeSubcommands
	app.EnableBashCompletion = true

	app.Metadata = map[string]interface{}{
		"context": ctx,
	}

	return app.Run(args)
}

// cliContextToContext extracts the generic context from the specified
// cli context.
func cliContextToContext(c *cli.Context) (context.Context, error) {
	if c == nil || c.App == nil || c.App.Metadata == nil {
		return nil, fmt.Errorf("invalid CLI context")
	}

	ctx, ok := c.App.Metadata["context"].(context.Context)
	if !ok {
		return nil, fmt.Errorf("CLI context not ready")
	}

	return ctx, nil
}

func main() {
	if err := createRuntimeApp(context.Background(), os.Args); err != nil {
		fatal(err)
	}
}
