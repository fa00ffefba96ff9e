// Package main runs the mapping service, replays recorded sessions and inspects saved maps.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go.viam.com/occupancy/logging"
	"go.viam.com/occupancy/mapping"
	"go.viam.com/occupancy/octree"
	"go.viam.com/occupancy/pointcloud"
	"go.viam.com/occupancy/ros"
	"go.viam.com/occupancy/web"
)

const (
	// Flags.
	flagConfig     = "config"
	flagDebug      = "debug"
	flagDataDir    = "data-dir"
	flagPort       = "port"
	flagPprof      = "pprof"
	flagMaxPoseAge = "max-pose-age"
	flagBag        = "bag"
	flagScanTopic  = "scan-topic"
	flagNoSave     = "no-save"
	flagCloud      = "cloud"

	logFileMaxSizeMB = 50
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		logging.Global().Error(err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "mapping",
		Usage: "build occupancy maps and profile clouds from laser and depth data",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  flagDataDir,
				Usage: "override the directory maps are saved to and loaded from",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "accept commands and sensor data over HTTP and stream the maps over a websocket",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: flagPort, Value: 8080, Usage: "port to listen on"},
					&cli.BoolFlag{Name: flagPprof, Usage: "serve pprof handlers"},
					&cli.DurationFlag{
						Name:  flagMaxPoseAge,
						Value: time.Second,
						Usage: "oldest pose usable for a sensor reading, 0 for no limit",
					},
				},
				Action: serveAction,
			},
			{
				Name:  "replay",
				Usage: "profile a recorded rosbag and save the resulting maps",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: flagBag, Required: true, Usage: "rosbag `FILE` to replay"},
					&cli.StringFlag{Name: flagScanTopic, Value: ros.TopicScan, Usage: "laser scan topic"},
					&cli.BoolFlag{Name: flagNoSave, Usage: "do not save the maps after the replay"},
				},
				Action: replayAction,
			},
			{
				Name:      "inspect",
				Usage:     "print statistics of a saved occupancy tree and point clouds",
				ArgsUsage: "<tree.ot>",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: flagCloud, Usage: "point cloud `FILE` (pcd or las) to summarize"},
				},
				Action: inspectAction,
			},
		},
	}
}

// setup reads the configuration and builds the logger. The returned closer flushes the log file.
func setup(c *cli.Context) (mapping.Config, logging.Logger, func() error, error) {
	noop := func() error { return nil }
	cfg, err := mapping.ReadConfig(c.String(flagConfig))
	if err != nil {
		return mapping.Config{}, nil, noop, err
	}
	if dir := c.String(flagDataDir); dir != "" {
		cfg.DataDir = dir
	}
	if c.Bool(flagDebug) {
		cfg.Debug = true
	}
	if err := cfg.Validate("mapping"); err != nil {
		return mapping.Config{}, nil, noop, err
	}

	logger := logging.NewLogger("mapping")
	if cfg.Debug {
		logger.SetLevel(logging.DEBUG)
	}
	if cfg.LogFile == "" {
		return cfg, logger, logger.Sync, nil
	}
	appender := logging.NewFileAppender(cfg.LogFile, logFileMaxSizeMB)
	logger.AddAppender(appender)
	return cfg, logger, func() error {
		return multierr.Combine(logger.Sync(), appender.Close())
	}, nil
}

func serveAction(c *cli.Context) (err error) {
	cfg, logger, closeLog, err := setup(c)
	defer func() {
		err = multierr.Combine(err, closeLog())
	}()
	if err != nil {
		return err
	}
	frames, err := cfg.NewFrameSystem(c.Duration(flagMaxPoseAge))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := web.NewHub(logger.Sublogger("hub"))
	module, err := mapping.NewModule(cfg, frames, logger.Sublogger("module"),
		mapping.WithPublisher(hub),
		mapping.WithShutdown(func(err error) {
			logger.Errorw("stopping after a failed save or load", "error", err)
			stop()
		}))
	if err != nil {
		return err
	}
	options := web.Options{Port: c.Int(flagPort), Pprof: c.Bool(flagPprof)}
	server := web.NewServer(module, frames, hub, logger.Sublogger("web"))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return module.Run(groupCtx)
	})
	group.Go(func() error {
		return web.RunWeb(groupCtx, server.Mux(options), options, logger)
	})
	return multierr.Combine(group.Wait(), hub.Close())
}

func replayAction(c *cli.Context) (err error) {
	cfg, logger, closeLog, err := setup(c)
	defer func() {
		err = multierr.Combine(err, closeLog())
	}()
	if err != nil {
		return err
	}
	// recorded transforms are all known up front
	cfg.TransformRetryDelayMs = 0
	frames, err := cfg.NewFrameSystem(0)
	if err != nil {
		return err
	}
	var fatal error
	module, err := mapping.NewModule(cfg, frames, logger.Sublogger("module"),
		mapping.WithShutdown(func(err error) {
			fatal = err
		}))
	if err != nil {
		return err
	}

	logger.Infow("reading bag", "file", c.String(flagBag))
	rb, err := ros.ReadBag(c.String(flagBag))
	if err != nil {
		return err
	}
	player := &ros.Player{
		ScanTopic: c.String(flagScanTopic),
		Frames:    frames,
		Scans:     module,
		Logger:    logger.Sublogger("player"),
	}
	msgs, err := ros.MessagesForTopics(rb, player.Topics()...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	for _, cmd := range []mapping.Command{mapping.CommandStartProfiling, mapping.CommandStartScanning} {
		if _, err := module.ProcessCommand(ctx, cmd); err != nil {
			return err
		}
	}
	stats, err := player.Play(ctx, msgs)
	if err != nil {
		return err
	}
	if _, err := module.ProcessCommand(ctx, mapping.CommandStopProfiling); err != nil {
		return err
	}
	if !c.Bool(flagNoSave) {
		if ok, err := module.ProcessCommand(ctx, mapping.CommandSaveMap); !ok {
			return multierr.Combine(err, fatal)
		}
	}

	status := module.Status()
	t := table.NewWriter()
	t.SetOutputMirror(c.App.Writer)
	t.AppendHeader(table.Row{"Scans", "Dropped", "Transforms", "Profile points", "Symmetry points", "Tree nodes"})
	t.AppendRow(table.Row{stats.Scans, stats.Dropped, stats.Transforms, status.ProfilePoints, status.SymmetryPoints, status.TreeNodes})
	t.Render()
	return nil
}

func inspectAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("need to specify an occupancy tree file")
	}
	logger := logging.NewLogger("inspect")
	if c.Bool(flagDebug) {
		logger.SetLevel(logging.DEBUG)
	}
	tree, err := octree.ReadFile(c.Args().First(), logger)
	if err != nil {
		return err
	}
	writeTreeTable(c.App.Writer, c.Args().First(), tree)

	for _, fn := range c.StringSlice(flagCloud) {
		cloud, err := pointcloud.NewFromFile(fn, logger)
		if err != nil {
			return err
		}
		writeCloudTable(c.App.Writer, fn, cloud)
	}
	return nil
}

func formatVector(x, y, z float64) string {
	return fmt.Sprintf("X:%.2f, Y:%.2f, Z:%.2f", x, y, z)
}

func writeTreeTable(w io.Writer, name string, tree *octree.OcTree) {
	stats := tree.Stats()
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(name)
	t.AppendHeader(table.Row{"Resolution", "Nodes", "Leaves", "Occupied", "Free", "Min", "Max"})
	row := table.Row{tree.Resolution(), stats.Nodes, stats.Leaves, stats.OccupiedLeafs, stats.FreeLeafs, "", ""}
	if stats.Leaves > 0 {
		row[5] = formatVector(stats.Min.X, stats.Min.Y, stats.Min.Z)
		row[6] = formatVector(stats.Max.X, stats.Max.Y, stats.Max.Z)
	}
	t.AppendRow(row)
	t.Render()
}

func writeCloudTable(w io.Writer, name string, cloud *pointcloud.Cloud) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(name)
	t.AppendHeader(table.Row{"Points", "Min", "Max"})
	row := table.Row{cloud.Size(), "", ""}
	if !cloud.Empty() {
		meta := cloud.MetaData()
		row[1] = formatVector(meta.MinX, meta.MinY, meta.MinZ)
		row[2] = formatVector(meta.MaxX, meta.MaxY, meta.MaxZ)
	}
	t.AppendRow(row)
	t.Render()
}
