//go:build no_mqtt

package main

import (
	"log/slog"

	"thingrpc/internal/core"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *core.ThingManager, _ *core.EventBus, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
