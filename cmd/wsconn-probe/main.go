// Command wsconn-probe is a minimal demonstration client: it loads a
// wsconn.yaml config, opens one Connection, submits a single probe
// request, subscribes to a channel, and prints whatever comes back. It
// doubles as a manual integration check against a real JSON-RPC endpoint.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"github.com/quantedge/wsconn/connection"
	"github.com/quantedge/wsconn/internal/config"
	"github.com/quantedge/wsconn/ratelimit"
	"github.com/quantedge/wsconn/reconnect"
)

const (
	serviceName        = "WSConnProbe"
	serviceDisplayName = "wsconn Probe Client"
	serviceDescription = "Demonstration client for the wsconn connection runtime"
)

// probe implements kardianos/service.Interface for OS-service lifecycle.
type probe struct {
	cfg    *config.Config
	cancel context.CancelFunc
}

func (p *probe) Start(s service.Service) error {
	go p.run()
	return nil
}

func (p *probe) Stop(s service.Service) error {
	slog.Info("service stop requested")
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

func (p *probe) run() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	defer cancel()

	if err := runProbe(ctx, p.cfg); err != nil {
		slog.Error("probe exited with error", "error", err)
		os.Exit(1)
	}
}

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (default: ./wsconn.yaml)")
		doInstall   = flag.Bool("install", false, "install as an OS service")
		doUninstall = flag.Bool("uninstall", false, "uninstall the OS service")
		doRun       = flag.Bool("run", false, "run in the foreground (non-service mode)")
		channel     = flag.String("channel", "", "channel to subscribe to after connecting")
	)
	flag.Parse()

	initLogger("info")

	cfg, err := config.Load(*configPath, nil)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	initLogger(cfg.LogLevel)

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
		Arguments:   []string{"-run"},
	}

	pb := &probe{cfg: cfg}
	svc, err := service.New(pb, svcConfig)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	switch {
	case *doInstall:
		if err := svc.Install(); err != nil {
			slog.Error("failed to install service", "error", err)
			os.Exit(1)
		}
		fmt.Println("Service installed successfully:", serviceName)

	case *doUninstall:
		if err := svc.Stop(); err != nil {
			slog.Warn("failed to stop service (may not be running)", "error", err)
		}
		if err := svc.Uninstall(); err != nil {
			slog.Error("failed to uninstall service", "error", err)
			os.Exit(1)
		}
		fmt.Println("Service uninstalled successfully:", serviceName)

	case *doRun, service.Interactive():
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		slog.Info("running probe in foreground")
		if err := runProbe(ctx, cfg, *channel); err != nil {
			fmt.Printf("\nprobe error: %v\n", err)
			fmt.Println("press Enter to exit...")
			bufio.NewReader(os.Stdin).ReadBytes('\n')
			os.Exit(1)
		}

	default:
		if err := svc.Run(); err != nil {
			slog.Error("service run failed", "error", err)
			os.Exit(1)
		}
	}
}

// runProbe dials, submits one probe request, optionally subscribes to a
// channel, observes unsolicited frames for a short window, and closes
// cleanly.
func runProbe(ctx context.Context, cfg *config.Config, channel ...string) error {
	header := http.Header{}
	for k, v := range cfg.Endpoint.Headers {
		header.Set(k, v)
	}

	strategy := reconnect.Strategy(cfg.Reconnect.Strategy)

	conn, err := connection.Connect(ctx, connection.Config{
		Endpoint: connection.Endpoint{
			URL:    cfg.Endpoint.URL(),
			Header: header,
		},
		ConnectTimeout: cfg.ConnectTimeout(),
		RequestTimeout: cfg.RequestTimeout(),
		Reconnect: reconnect.Config{
			Strategy:    strategy,
			Base:        time.Duration(cfg.Reconnect.BaseMs) * time.Millisecond,
			Cap:         time.Duration(cfg.Reconnect.CapMs) * time.Millisecond,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		RateLimit: ratelimit.Config{
			Capacity:          cfg.RateLimit.Capacity,
			RefillPerInterval: cfg.RateLimit.RefillPerInterval,
			IntervalMs:        cfg.RateLimit.IntervalMs,
			QueueCeiling:      cfg.RateLimit.QueueCeiling,
			CostMap:           cfg.RateLimit.CostMap,
		},
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	defer conn.Close(context.Background(), 1000, "probe done")

	slog.Info("connected", "id", conn.ID())

	res, err := conn.SubmitRequest(ctx, map[string]any{"method": "ping"}, connection.RequestOptions{
		Idempotent: true,
	})
	if err != nil {
		return fmt.Errorf("submit_request failed: %w", err)
	}
	slog.Info("probe reply", "payload", string(res.Payload))

	if len(channel) == 1 && channel[0] != "" {
		subID, err := conn.Subscribe(ctx, channel[0], "")
		if err != nil {
			return fmt.Errorf("subscribe failed: %w", err)
		}
		slog.Info("subscribed", "channel", channel[0], "id", subID)

		events := conn.RegisterObserver(16)
		defer conn.UnregisterObserver(events)

		timeout := time.After(5 * time.Second)
		for {
			select {
			case e := <-events:
				slog.Info("observed event", "kind", e.Kind, "fields", e.Fields)
			case <-timeout:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return nil
}

func initLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
