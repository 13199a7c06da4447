package main

import (
	"context"
	"net"
	"os"
	"strconv"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/omnirobotics/otagent/pkg/agent"
	"github.com/omnirobotics/otagent/pkg/config"
	"github.com/omnirobotics/otagent/pkg/flash"
	"github.com/omnirobotics/otagent/pkg/logging"
	"github.com/omnirobotics/otagent/pkg/netmon"
	"github.com/omnirobotics/otagent/pkg/partition"
	"github.com/omnirobotics/otagent/pkg/reboot"
	"github.com/omnirobotics/otagent/pkg/sigcontext"
	"github.com/omnirobotics/otagent/pkg/telemetry"
	"github.com/omnirobotics/otagent/pkg/transport"
	"github.com/omnirobotics/otagent/pkg/updater"
	"github.com/omnirobotics/otagent/pkg/workgroup"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

var version = "devel"

func main() {
	app := &cli.App{
		Name:    "otagent",
		Usage:   "device-resident firmware update agent",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   config.DefaultPath,
				Usage:   "path to the agent configuration",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
			&cli.StringFlag{
				Name:  "server",
				Usage: "override the configured update server (host:port)",
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "make a single update attempt and exit",
			},
			&cli.StringFlag{
				Name:  "reboot-mode",
				Value: "logind",
				Usage: "restart mechanism: logind, command, or none",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		logging.New("main").WithError(err).Error("agent stopped")
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		logging.Set(logging.Level("debug"))
	}
	log := logging.New("main")

	if logging.Debuggable() {
		log.Info("debug build: extra diagnostics compiled in")
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return errors.WithMessage(err, "configuration")
	}
	if server := c.String("server"); server != "" {
		if err := overrideServer(cfg, server); err != nil {
			return err
		}
	}

	ctx, cancel := sigcontext.WithSignalCancel(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dev, err := flash.Open(logging.New("flash"), cfg.Flash.ImagePath, cfg.Flash.BootRecordPath)
	if err != nil {
		return errors.WithMessage(err, "flash layer")
	}
	defer dev.Close()

	table, err := buildTable(cfg, dev)
	if err != nil {
		return errors.WithMessage(err, "partition table")
	}
	log.WithField("running", table.Running().Label).Info("partition table enumerated")

	link, err := netmon.NewPlatformLink(logging.New("link"), cfg.Network.Interface)
	if err != nil {
		return errors.WithMessage(err, "link source")
	}
	manager := netmon.New(logging.New("netmon"), link, netmon.Credentials{
		SSID:       cfg.Network.SSID,
		Passphrase: cfg.Network.Passphrase,
	})

	restarter, err := pickRestarter(c.String("reboot-mode"))
	if err != nil {
		return err
	}

	receiver := updater.New(
		logging.New("updater"),
		table,
		dev,
		restarter,
		cfg.Update.ChunkSize,
	)

	a, err := agent.New(logging.New("agent"), manager, receiver, agent.Options{
		Endpoint:           transport.Endpoint{Host: cfg.Server.Host, Port: cfg.Server.Port},
		DialTimeout:        cfg.Update.DialTimeout(),
		Cooldown:           cfg.Update.RetryCooldown(),
		Once:               c.Bool("once"),
		ForwardDiagnostics: cfg.Diagnostics.Enabled,
		DiagnosticsLevel:   cfg.Diagnostics.Level,
	})
	if err != nil {
		return errors.WithMessage(err, "agent")
	}

	group := workgroup.WithContext(ctx)
	group.Work(manager.Run)
	if cfg.Telemetry.Enabled {
		group.Work(func(ctx context.Context) error {
			return telemetry.Serve(ctx, cfg.Telemetry.ListenAddress)
		})
	}
	group.Work(func(ctx context.Context) error {
		defer cancel() // the agent finishing winds down the other workers
		return a.Run(ctx)
	})

	daemon.SdNotify(false, daemon.SdNotifyReady)
	return group.Wait()
}

func overrideServer(cfg *config.Config, server string) error {
	host, portStr, err := net.SplitHostPort(server)
	if err != nil {
		return errors.Wrapf(err, "unable to parse server override %q", server)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.Wrapf(err, "unable to parse server port %q", portStr)
	}
	cfg.Server.Host = host
	cfg.Server.Port = port
	return nil
}

// buildTable enumerates the configured slots and resolves the running slot
// from the boot record, defaulting to the first slot on a fresh device.
func buildTable(cfg *config.Config, dev *flash.Device) (*partition.Table, error) {
	parts := make([]partition.Partition, 0, len(cfg.Flash.Partitions))
	for _, p := range cfg.Flash.Partitions {
		parts = append(parts, partition.Partition{
			Label:   p.Label,
			Type:    p.Type,
			Subtype: p.Subtype,
			Offset:  uint64(p.Offset),
			Size:    uint64(p.Size),
		})
	}

	running, err := dev.BootTarget()
	if err != nil {
		return nil, err
	}
	if running == "" {
		running = parts[0].Label
	}
	return partition.NewTable(parts, running)
}

func pickRestarter(mode string) (reboot.Restarter, error) {
	log := logging.New("reboot")
	switch mode {
	case "logind":
		return reboot.NewLogind(log, ""), nil
	case "command":
		return reboot.NewCommand(log), nil
	case "none":
		return reboot.NewNoop(log), nil
	}
	return nil, errors.Errorf("unknown reboot mode %q", mode)
}
