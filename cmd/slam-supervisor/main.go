// Package main listens for commands on an MQTT broker and starts or stops the frame pump driver.
package main

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/utils"

	"github.com/viamrobotics/orbslam3-rgbd/supervisor"
)

func main() {
	utils.ContextualMain(mainWithArgs, golog.NewLogger("slam-supervisor"))
}

// Arguments for the command.
type Arguments struct {
	Config string `flag:"config,required,usage=supervisor JSON config file"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	cfg, err := supervisor.ReadConfig(argsParsed.Config)
	if err != nil {
		return err
	}

	broker, err := supervisor.NewMQTTBroker(cfg.Broker, cfg.ClientID,
		time.Duration(cfg.ConnectTimeoutSec)*time.Second, logger)
	if err != nil {
		return err
	}
	return supervisor.New(cfg, broker, logger).Run(ctx)
}
