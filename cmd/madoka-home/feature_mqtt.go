//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "madoka-go-home/internal/mqtt"

	"madoka-go-home/internal/controller"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(ctrl *controller.Controller, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(ctrl, mqttbridge.Config{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		RootTopic:      cfg.MQTT.RootTopic,
		RootTopicOnly:  cfg.MQTT.RootTopicOnly,
		DiscoveryTopic: cfg.MQTT.DiscoveryTopic,
		FriendlyName:   cfg.MQTT.FriendlyName,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}
