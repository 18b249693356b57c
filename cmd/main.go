package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	slogctx "github.com/veqryn/slog-context"

	"github.com/ivanvanderbyl/sentron-scan/pkg/capture"
	"github.com/ivanvanderbyl/sentron-scan/pkg/config"
	"github.com/ivanvanderbyl/sentron-scan/pkg/netif"
	"github.com/ivanvanderbyl/sentron-scan/pkg/sentron"
)

func main() {
	scanFlags := []cli.Flag{
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "How long to wait for replies",
			Value: sentron.ReplyTimeout,
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Print one JSON object per reply",
		},
	}

	app := &cli.App{
		Name:  "sentron-scan",
		Usage: "Find Siemens Sentron power meters on the local network",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "text or json",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "scan",
				Usage: "Broadcast a discovery probe and list the meters that answer",
				Flags: append([]cli.Flag{
					&cli.StringSliceFlag{
						Name:    "interface",
						Aliases: []string{"i"},
						Usage:   "Probe from this interface (repeatable, default all)",
					},
					&cli.StringSliceFlag{
						Name:  "source",
						Usage: "Probe from this local IPv4 address (repeatable)",
					},
					&cli.BoolFlag{
						Name:  "versions",
						Usage: "Ask every meter found for its firmware versions",
					},
				}, scanFlags...),
				Action: scanAction,
			},
			{
				Name:  "query",
				Usage: "Ask one meter for its firmware versions",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "ip",
						Usage:    "IP address of the meter",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "mac",
						Usage: "MAC address of the meter",
						Value: sentron.BroadcastMAC.String(),
					},
				}, scanFlags...),
				Action: queryAction,
			},
			{
				Name:      "decode",
				Usage:     "Decode reply payloads given as hex",
				ArgsUsage: "HEX...",
				Flags:     scanFlags[1:],
				Action:    decodeAction,
			},
			{
				Name:      "replay",
				Usage:     "Decode discovery traffic from pcap or pcapng captures",
				ArgsUsage: "FILE...",
				Flags:     scanFlags[1:],
				Action:    replayAction,
			},
			{
				Name:  "interfaces",
				Usage: "List the local addresses probes would be sent from",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:    "interface",
						Aliases: []string{"i"},
						Usage:   "Only show this interface (repeatable)",
					},
				},
				Action: interfacesAction,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.RunContext(ctx, os.Args)
	stop()
	if err != nil {
		log.Fatal(err)
	}
}

// setup loads the config file, applies flag overrides and builds the logger.
func setup(c *cli.Context) (*config.Config, *slog.Logger, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, nil, err
		}
		cfg = loaded
	}

	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = c.String("log-format")
	}
	if c.IsSet("timeout") {
		cfg.Scan.Timeout = c.Duration("timeout")
	}
	if c.IsSet("interface") {
		cfg.Scan.Interfaces = c.StringSlice("interface")
	}
	if c.IsSet("source") {
		cfg.Scan.Sources = c.StringSlice("source")
	}
	if c.IsSet("versions") {
		cfg.Scan.QueryVersions = c.Bool("versions")
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	level, _ := cfg.Log.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if strings.EqualFold(cfg.Log.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}

	return cfg, slog.New(slogctx.NewHandler(h, nil)), nil
}

func newScanner(cfg *config.Config, logger *slog.Logger, reporter sentron.Reporter) *sentron.Scanner {
	s := sentron.NewScanner(logger, reporter)
	s.Timeout = cfg.Scan.Timeout
	s.QueryVersions = cfg.Scan.QueryVersions
	s.Broadcast = cfg.BroadcastAddr()
	return s
}

// probeSources resolves where probes are sent from. Explicit sources win over interface enumeration.
func probeSources(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]netip.Addr, error) {
	sources, err := cfg.SourceAddrs()
	if err != nil || len(sources) > 0 {
		return sources, err
	}

	found, err := netif.Sources(cfg.Scan.Interfaces...)
	if errors.Is(err, netif.ErrNoSources) && len(cfg.Scan.Interfaces) == 0 {
		logger.WarnContext(ctx, "No broadcast interfaces found, probing from the wildcard address")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	for _, s := range found {
		logger.DebugContext(ctx, "Probe source", "interface", s.Interface, "addr", s.Addr, "prefix", s.Prefix)
	}
	return netif.Addrs(found), nil
}

func scanAction(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	ctx := c.Context

	sources, err := probeSources(ctx, cfg, logger)
	if err != nil {
		return errors.Wrap(err, "finding probe sources")
	}

	out := newPrinter(os.Stdout, c.Bool("json"))
	err = newScanner(cfg, logger, out).Scan(ctx, sources...)
	if err != nil {
		logger.ErrorContext(ctx, "Error scanning for meters", "error", err)
		return errors.Wrap(err, "scanning")
	}

	logger.InfoContext(ctx, "Completed meter search", "found-count", out.found, "failed-count", out.failed)
	return nil
}

func queryAction(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	ctx := c.Context

	addr, err := netip.ParseAddr(c.String("ip"))
	if err != nil {
		return errors.Wrap(err, "parsing --ip")
	}
	mac, err := net.ParseMAC(c.String("mac"))
	if err != nil {
		return errors.Wrap(err, "parsing --mac")
	}

	ctx = slogctx.Append(ctx, "ip", addr.String(), "mac", mac.String())

	out := newPrinter(os.Stdout, c.Bool("json"))
	if err := newScanner(cfg, logger, out).Query(ctx, addr, mac); err != nil {
		logger.ErrorContext(ctx, "Failed to query meter", "error", err)
		return errors.Wrap(err, "querying meter")
	}

	if out.found == 0 {
		return fmt.Errorf("no reply from %s within %s", addr, cfg.Scan.Timeout)
	}
	return nil
}

func decodeAction(c *cli.Context) error {
	if _, _, err := setup(c); err != nil {
		return err
	}

	out := newPrinter(os.Stdout, c.Bool("json"))
	for _, arg := range c.Args().Slice() {
		packet, err := hex.DecodeString(strings.ReplaceAll(arg, " ", ""))
		if err != nil {
			return errors.Wrapf(err, "decoding hex %q", arg)
		}

		dev, err := sentron.DecodeReply(packet)
		out.Report(c.Context, sentron.Reply{Device: dev, Err: err, Raw: packet})
	}

	if out.failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d replies failed to decode", out.failed, c.NArg()), 1)
	}
	return nil
}

func replayAction(c *cli.Context) error {
	_, logger, err := setup(c)
	if err != nil {
		return err
	}

	results, err := capture.ReadFiles(c.Context, c.Args().Slice()...)
	if err != nil {
		return errors.Wrap(err, "reading captures")
	}

	out := newPrinter(os.Stdout, c.Bool("json"))
	for _, file := range results {
		ctx := slogctx.Append(c.Context, "file", file.Path)
		logger.InfoContext(ctx, "Replaying capture", "frames", len(file.Frames))

		for _, frame := range file.Frames {
			out.Frame(ctx, frame)
		}
	}
	return nil
}

func interfacesAction(c *cli.Context) error {
	if _, _, err := setup(c); err != nil {
		return err
	}

	sources, err := netif.Sources(c.StringSlice("interface")...)
	if err != nil {
		return err
	}

	for _, s := range sources {
		fmt.Printf("%s\t%s\t%s\n", s.Interface, s.Addr, s.Prefix)
	}
	return nil
}
