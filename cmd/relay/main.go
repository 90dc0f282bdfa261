// Package main launches the relay: an authenticated HTTP service that
// receives encrypted chunked payloads and lands them in GitHub repositories
// or durable file storage.
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/awrlabs/relay/cmd/relay/flags"
	"github.com/awrlabs/relay/relay/node"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

var log = logrus.WithField("prefix", "main")

func startNode(cliCtx *cli.Context) error {
	relay, err := node.New(cliCtx)
	if err != nil {
		return err
	}
	relay.Start()
	return nil
}

func main() {
	app := cli.App{}
	app.Name = "relay"
	app.Usage = "receives encrypted chunked payloads and lands them in git repositories or file storage"
	app.Flags = flags.Flags
	app.Action = startNode
	app.Before = func(ctx *cli.Context) error {
		verbosity := ctx.String(flags.VerbosityFlag.Name)
		level, err := logrus.ParseLevel(verbosity)
		if err != nil {
			return err
		}
		logrus.SetLevel(level)

		format := ctx.String(flags.LogFormatFlag.Name)
		switch format {
		case "text":
			formatter := new(prefixed.TextFormatter)
			formatter.TimestampFormat = "2006-01-02 15:04:05"
			formatter.FullTimestamp = true
			logrus.SetFormatter(formatter)
		case "json":
			logrus.SetFormatter(&logrus.JSONFormatter{})
		default:
			return fmt.Errorf("unknown log format %s", format)
		}

		runtime.GOMAXPROCS(runtime.NumCPU())
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
