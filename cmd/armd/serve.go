package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arctos-robotics/armd/pkg/api"
	"github.com/arctos-robotics/armd/pkg/bus"
	"github.com/arctos-robotics/armd/pkg/config"
	"github.com/arctos-robotics/armd/pkg/driver"
	"github.com/arctos-robotics/armd/pkg/motion"
)

type ServeCommand struct {
	Config string `long:"config" short:"c" default:"armd.yml" description:"Path to the configuration file"`
	Driver string `long:"driver" short:"d" default:"auto" choice:"auto" choice:"can" choice:"sim" choice:"both" description:"Driver selection"`
	Listen string `long:"listen" short:"l" description:"HTTP listen address (overrides config)"`
}

func (c *ServeCommand) Execute(args []string) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	drv, err := c.buildDriver(cfg)
	if err != nil {
		return err
	}
	hub := api.NewHub()
	svc := motion.New(drv, cfg)
	svc.SetTelemetry(hub)
	if err := svc.Start(); err != nil {
		return err
	}
	defer svc.Stop()

	listen := c.Listen
	if listen == "" {
		listen = cfg.Listen()
	}
	srv := &http.Server{
		Addr:    listen,
		Handler: api.New(svc, drv, cfg, hub).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("armd: listening on %s (driver %s)", listen, drv.Mode())
		errCh <- srv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)

	for {
		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		case <-reload:
			log.Printf("armd: SIGHUP, reloading %s", c.Config)
			if err := cfg.Reload(); err != nil {
				log.Printf("armd: reload failed, keeping old config: %v", err)
				continue
			}
			if cd, ok := driver.AsCan(drv); ok {
				cd.ReloadConfig()
			}
		case s := <-sig:
			log.Printf("armd: %v, shutting down", s)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := srv.Shutdown(ctx)
			cancel()
			return err
		}
	}
}

// buildDriver resolves the driver flag. Auto prefers hardware when the CAN
// interface is up and falls back to the simulator.
func (c *ServeCommand) buildDriver(cfg *config.Config) (driver.Driver, error) {
	switch c.Driver {
	case "can":
		return driver.NewCan(cfg), nil
	case "sim":
		return driver.NewSim(), nil
	case "both":
		return driver.NewComposite(driver.NewCan(cfg), driver.NewSim()), nil
	case "auto":
		if bus.Available(cfg.CAN().Interface) {
			log.Printf("armd: CAN interface %s is up, using hardware", cfg.CAN().Interface)
			return driver.NewCan(cfg), nil
		}
		log.Printf("armd: CAN interface %s not available, using simulator", cfg.CAN().Interface)
		return driver.NewSim(), nil
	default:
		return nil, fmt.Errorf("unknown driver %q", c.Driver)
	}
}
