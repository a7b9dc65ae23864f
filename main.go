package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	cli "github.com/jawher/mow.cli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bilbercode/camlink/internal/bridge"
	"github.com/bilbercode/camlink/internal/capture"
	"github.com/bilbercode/camlink/internal/command"
	"github.com/bilbercode/camlink/internal/config"
	"github.com/bilbercode/camlink/internal/device"
	"github.com/bilbercode/camlink/internal/media"
	"github.com/bilbercode/camlink/internal/status"
	"github.com/bilbercode/camlink/internal/web"
)

const (
	appName = "camlink"
	appDesc = "camera media link between a capture device and a viewing bridge"
)

func main() {
	app := cli.App(appName, appDesc)

	configPath := app.String(cli.StringOpt{
		Name:   "config",
		Desc:   "YAML configuration file, options given on the command line take precedence",
		EnvVar: "CAMLINK_CONFIG",
		Value:  "",
	})

	defaults := config.Default()
	var overrides overrideSet
	overrides.stringOpt(app, "log.level", "LOG_LEVEL", "log level (debug, info, warn, error)", defaults.Log.Level,
		func(c *config.Config, v string) { c.Log.Level = v })
	overrides.stringOpt(app, "log.format", "LOG_FORMAT", "log format (text, json)", defaults.Log.Format,
		func(c *config.Config, v string) { c.Log.Format = v })

	app.Command("device", "run the capture device", func(cmd *cli.Cmd) {
		opts := overrides.child()
		d := defaults.Device
		opts.stringOpt(cmd, "command.addr", "COMMAND_ADDR", "command channel listen address", d.CommandAddr,
			func(c *config.Config, v string) { c.Device.CommandAddr = v })
		opts.stringOpt(cmd, "status.addr", "STATUS_ADDR", "status channel listen address", d.StatusAddr,
			func(c *config.Config, v string) { c.Device.StatusAddr = v })
		opts.intOpt(cmd, "media.port", "MEDIA_PORT", "media port used with the address learned from START", d.MediaPort,
			func(c *config.Config, v int) { c.Device.MediaPort = v })
		opts.stringOpt(cmd, "media.destination", "MEDIA_DESTINATION", "fixed media destination host:port", d.Destination,
			func(c *config.Config, v string) { c.Device.Destination = v })
		opts.intOpt(cmd, "media.chunk-size", "MEDIA_CHUNK_SIZE", "maximum chunk payload in bytes", d.ChunkSize,
			func(c *config.Config, v int) { c.Device.ChunkSize = v })
		opts.stringOpt(cmd, "capture.source", "CAPTURE_SOURCE", "capture source (dir, exec)", d.Capture.Source,
			func(c *config.Config, v string) { c.Device.Capture.Source = v })
		opts.stringOpt(cmd, "capture.dir", "CAPTURE_DIR", "directory of JPEG frames for the dir source", d.Capture.Dir,
			func(c *config.Config, v string) { c.Device.Capture.Dir = v })
		opts.stringOpt(cmd, "capture.pattern", "CAPTURE_PATTERN", "file pattern for the dir source", d.Capture.Pattern,
			func(c *config.Config, v string) { c.Device.Capture.Pattern = v })
		opts.stringsOpt(cmd, "capture.command", "CAPTURE_COMMAND", "command writing MJPEG to stdout for the exec source",
			func(c *config.Config, v []string) { c.Device.Capture.Command = v })
		opts.floatOpt(cmd, "capture.fps", "CAPTURE_FPS", "maximum capture frame rate, 0 for unlimited", d.Capture.FPS,
			func(c *config.Config, v float64) { c.Device.Capture.FPS = v })
		opts.stringOpt(cmd, "recordings.dir", "RECORDINGS_DIR", "recordings directory", d.Recordings.Dir,
			func(c *config.Config, v string) { c.Device.Recordings.Dir = v })
		opts.intOpt(cmd, "recordings.max-mb", "MAX_RECORDING_SIZE_MB", "size in MB at which a recording completes, 0 for unlimited", int(d.Recordings.MaxBytes>>20),
			func(c *config.Config, v int) { c.Device.Recordings.MaxBytes = int64(v) << 20 })
		opts.stringOpt(cmd, "metrics.addr", "METRICS_ADDR", "prometheus metrics listen address", d.MetricsAddr,
			func(c *config.Config, v string) { c.Device.MetricsAddr = v })

		cmd.Action = func() {
			cfg := opts.load(*configPath)
			if err := cfg.ValidateDevice(); err != nil {
				log.WithError(err).Fatal("invalid configuration")
			}
			setupLogging(cfg.Log)

			svc, err := device.NewService(cfg.Device, newSource(cfg.Device.Capture))
			if err != nil {
				log.WithError(err).Fatal("failed to start device")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := svc.Run(ctx); err != nil {
				log.WithError(err).Fatal("device stopped")
			}
			log.Info("device stopped")
		}
	})

	app.Command("bridge", "run the bridge serving the presentation surface", func(cmd *cli.Cmd) {
		opts := overrides.child()
		b := defaults.Bridge
		opts.stringOpt(cmd, "device.host", "DEVICE_HOST", "device address", b.DeviceHost,
			func(c *config.Config, v string) { c.Bridge.DeviceHost = v })
		opts.intOpt(cmd, "device.command-port", "DEVICE_COMMAND_PORT", "device command port", b.CommandPort,
			func(c *config.Config, v int) { c.Bridge.CommandPort = v })
		opts.intOpt(cmd, "device.status-port", "DEVICE_STATUS_PORT", "device status port", b.StatusPort,
			func(c *config.Config, v int) { c.Bridge.StatusPort = v })
		opts.stringOpt(cmd, "media.addr", "MEDIA_ADDR", "media listen address", b.MediaAddr,
			func(c *config.Config, v string) { c.Bridge.MediaAddr = v })
		opts.stringOpt(cmd, "http.addr", "HTTP_ADDR", "presentation listen address", b.HTTPAddr,
			func(c *config.Config, v string) { c.Bridge.HTTPAddr = v })
		opts.stringOpt(cmd, "http.static", "STATIC_DIR", "dashboard directory served at /", b.StaticDir,
			func(c *config.Config, v string) { c.Bridge.StaticDir = v })
		opts.stringOpt(cmd, "status.encoding", "STATUS_ENCODING", "status channel encoding (json, msgpack)", b.Encoding,
			func(c *config.Config, v string) { c.Bridge.Encoding = v })
		opts.durationOpt(cmd, "status.interval", "POLL_INTERVAL", "status poll interval", b.PollInterval,
			func(c *config.Config, v time.Duration) { c.Bridge.PollInterval = v })

		cmd.Action = func() {
			cfg := opts.load(*configPath)
			if err := cfg.ValidateBridge(); err != nil {
				log.WithError(err).Fatal("invalid configuration")
			}
			setupLogging(cfg.Log)

			if err := runBridge(cfg.Bridge); err != nil {
				log.WithError(err).Fatal("bridge stopped")
			}
			log.Info("bridge stopped")
		}
	})

	app.Command("send", "send one command to a device", func(cmd *cli.Cmd) {
		cmd.Spec = "[--addr] COMMAND..."
		addr := cmd.String(cli.StringOpt{
			Name:   "addr",
			Desc:   "device command address",
			EnvVar: "DEVICE_COMMAND_ADDR",
			Value:  defaults.Bridge.CommandAddr(),
		})
		args := cmd.Strings(cli.StringsArg{
			Name: "COMMAND",
			Desc: "command and parameters, e.g. RECORD_START name=clip",
		})

		cmd.Action = func() {
			if err := send(*addr, strings.Join(*args, " ")); err != nil {
				log.WithError(err).Fatal("failed to send command")
			}
		}
	})

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("failed to execute application")
	}
}

func runBridge(cfg config.BridgeConfig) error {
	commands, err := command.Dial(cfg.CommandAddr())
	if err != nil {
		return err
	}
	defer commands.Close()

	accept := status.ContentTypeJSON
	if cfg.Encoding == "msgpack" {
		accept = status.ContentTypeMsgpack
	}
	dialer := bridge.NewStatusDialer(cfg.StatusAddr(), status.ClientConfig{
		Timeout: cfg.RequestTimeout,
		Accept:  accept,
	})

	_, mediaPort, _ := net.SplitHostPort(cfg.MediaAddr)
	port, _ := strconv.Atoi(mediaPort)
	coordinator := bridge.NewCoordinator(bridge.Config{
		PollInterval:   cfg.PollInterval,
		ListEvery:      cfg.ListEvery,
		RequestTimeout: cfg.RequestTimeout,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		CommandRetries: cfg.CommandRetries,
		MediaPort:      port,
	}, commands, dialer)

	receiver, err := media.NewReceiver(cfg.MediaAddr, media.ReassemblerConfig{
		Window:     cfg.Reassembly.Window,
		MaxEntries: cfg.Reassembly.MaxEntries,
		Timeout:    cfg.Reassembly.Timeout,
	}, coordinator.Frames())
	if err != nil {
		return err
	}

	handler := web.NewHandler(web.Config{
		StaticDir:      cfg.StaticDir,
		CommandTimeout: cfg.RequestTimeout + time.Second,
	}, coordinator)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"device": cfg.DeviceHost,
		"media":  receiver.Addr().String(),
	}).Info("bridge starting")

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return coordinator.Run(ctx)
	})
	group.Go(func() error {
		return receiver.Run(ctx)
	})
	group.Go(func() error {
		return web.Serve(ctx, cfg.HTTPAddr, handler)
	})
	return group.Wait()
}

func send(addr, text string) error {
	cmd, err := command.Parse([]byte(text))
	if err != nil {
		return err
	}
	client, err := command.Dial(addr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if cmd.Type == command.TypePing {
		rtt, err := client.Ping(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s from %s in %s\n", command.Reply, addr, rtt)
		return nil
	}
	if err := client.Send(ctx, cmd); err != nil {
		return err
	}
	fmt.Printf("%s sent to %s\n", cmd, addr)
	return nil
}

func newSource(cfg config.CaptureConfig) capture.Source {
	if cfg.Source == "exec" {
		return capture.NewExecSource(cfg.Command, cfg.FPS)
	}
	return capture.NewDirSource(cfg.Dir, cfg.Pattern, cfg.FPS)
}

func setupLogging(cfg config.LogConfig) {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
		return
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}
