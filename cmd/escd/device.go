package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kartlab/escd/internal/config"
	"github.com/kartlab/escd/internal/device"
	"github.com/kartlab/escd/internal/device/canbus"
	"github.com/kartlab/escd/internal/device/gpio"
	"github.com/kartlab/escd/internal/device/sim"
)

func createDriver(ctx context.Context, cfg config.DeviceConfig, logger *slog.Logger) (device.Driver, error) {
	switch cfg.Type {
	case "gpio":
		d, err := gpio.Open(logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	case "can":
		d, err := canbus.Dial(ctx, cfg.CAN.Interface, canbus.Config{
			BaseID: cfg.CAN.BaseID,
			IOID:   cfg.CAN.IOID,
		}, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	case "sim", "":
		return sim.New(), nil
	default:
		return nil, fmt.Errorf("unknown device type %q", cfg.Type)
	}
}
