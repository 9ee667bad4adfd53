package main

import (
	"context"

	"github.com/efficientgo/core/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/cdcnet/host"
	"github.com/ardnew/cdcnet/host/class/cdc"
	"github.com/ardnew/cdcnet/host/class/rndis"
	"github.com/ardnew/cdcnet/host/hal"
	"github.com/ardnew/cdcnet/pkg"
)

// usbStack is the USB host with its CDC driver and RNDIS engine.
type usbStack struct {
	host   *host.Host
	driver *cdc.Driver
	engine *rndis.Engine
}

func newUSBStack(hc hal.HostHAL, cfg rndis.Config, reg prometheus.Registerer) (*usbStack, error) {
	h := host.New(hc)
	d := cdc.NewDriver(h, reg)
	cfg.Registerer = reg
	e, err := rndis.New(d, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to configure RNDIS engine")
	}
	return &usbStack{host: h, driver: d, engine: e}, nil
}

// start brings up the host, then the engine, then the driver. Whatever was
// started is stopped again on failure.
func (s *usbStack) start(ctx context.Context) error {
	if err := s.host.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start USB host")
	}
	if err := s.engine.Install(); err != nil {
		_ = s.host.Stop()
		return errors.Wrap(err, "failed to install RNDIS engine")
	}
	if err := s.driver.Install(); err != nil {
		_ = s.engine.Uninstall()
		_ = s.host.Stop()
		return errors.Wrap(err, "failed to install CDC driver")
	}
	return nil
}

// stop tears the stack down in reverse order. The engine halts its device
// while the driver still holds the port open.
func (s *usbStack) stop() {
	if err := s.engine.Uninstall(); err != nil {
		pkg.LogWarn(pkg.ComponentRNDIS, "engine uninstall failed", "error", err)
	}
	if err := s.driver.Uninstall(); err != nil {
		pkg.LogWarn(pkg.ComponentHotplug, "driver uninstall failed", "error", err)
	}
	if err := s.host.Stop(); err != nil {
		pkg.LogWarn(pkg.ComponentHost, "host stop failed", "error", err)
	}
}
