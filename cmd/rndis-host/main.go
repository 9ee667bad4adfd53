// Command rndis-host runs a USB host on a FIFO bus and brings up RNDIS
// network functions that attach to it.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/ardnew/cdcnet/host/hal/fifo"
	"github.com/ardnew/cdcnet/link"
	"github.com/ardnew/cdcnet/link/channel"
	"github.com/ardnew/cdcnet/pkg"
)

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logger, libLevel, err := filterLogger(logger, viper.GetString("log-level"))
	if err != nil {
		return err
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	pkg.SetLogLevel(libLevel)
	pkg.SetLogger(slog.New(newKitHandler(logger, libLevel)))
	logger = log.With(logger, "caller", log.DefaultCaller)

	devices, err := getConfiguredDevices()
	if err != nil {
		return err
	}

	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var g run.Group
	{
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			select {
			case <-term:
				level.Info(logger).Log("msg", "caught interrupt; shutting down")
				return nil
			case <-cancel:
				return nil
			}
		}, func(error) {
			close(cancel)
		})
	}

	frames := channel.New(viper.GetInt("frame-queue"))
	{
		// Run the USB host with the RNDIS engine bound to the frame queue.
		busDir := viper.GetString("bus-dir")
		cfg := engineConfig(devices)
		cfg.Link = frames
		usb, err := newUSBStack(fifo.NewHostHAL(busDir, viper.GetInt("ports")), cfg, r)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			if err := usb.start(ctx); err != nil {
				return err
			}
			defer usb.stop()

			level.Info(logger).Log("msg", "USB host running", "bus", busDir, "matches", len(cfg.Match))
			<-ctx.Done()
			return nil
		}, func(error) {
			cancel()
		})
	}

	{
		// Drain inbound frames and report link changes.
		cancel := make(chan struct{})
		g.Add(func() error {
			return sink(logger, frames, cancel)
		}, func(error) {
			close(cancel)
		})
	}

	return g.Run()
}

// sink consumes the frame queue until cancel is closed.
func sink(logger log.Logger, frames *channel.Endpoint, cancel <-chan struct{}) error {
	for {
		select {
		case sc := <-frames.Stages:
			kv := []interface{}{"msg", "link " + sc.Stage.String()}
			if sc.Stage == link.StageUp {
				if mac, err := frames.LinkAddress(); err == nil {
					kv = append(kv, "mac", mac.String())
				}
			}
			level.Info(logger).Log(kv...)
		case frame := <-frames.C:
			level.Debug(logger).Log("msg", "frame received", "bytes", len(frame), "ethertype", etherType(frame))
		case <-cancel:
			return nil
		}
	}
}

func etherType(frame []byte) string {
	if len(frame) < 14 {
		return "short"
	}
	return fmt.Sprintf("0x%02x%02x", frame[12], frame[13])
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
