// Package main logs every message published on an MQTT topic. It is used to check that a device
// can reach the broker.
package main

import (
	"context"
	"time"

	"github.com/edaniels/golog"
	"go.viam.com/utils"

	"github.com/viamrobotics/orbslam3-rgbd/supervisor"
)

func main() {
	utils.ContextualMain(mainWithArgs, golog.NewLogger("mqtt-listen"))
}

// Arguments for the command.
type Arguments struct {
	Broker   string `flag:"broker,default=tcp://localhost:1883,usage=broker address"`
	Topic    string `flag:"topic,default=/test,usage=topic to listen on"`
	ClientID string `flag:"client_id,default=mqtt-listen,usage=MQTT client id"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	broker, err := supervisor.NewMQTTBroker(argsParsed.Broker, argsParsed.ClientID, 30*time.Second, logger)
	if err != nil {
		return err
	}
	defer broker.Disconnect()
	return listen(ctx, broker, argsParsed.Topic, logger)
}

func listen(ctx context.Context, broker supervisor.Broker, topic string, logger golog.Logger) error {
	if err := broker.Subscribe(topic, func(topic string, payload []byte) {
		logger.Infow("received", "topic", topic, "payload", string(payload))
	}); err != nil {
		return err
	}
	logger.Infow("listening", "topic", topic)
	<-ctx.Done()
	return nil
}
