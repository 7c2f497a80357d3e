// Package main 启动采集、推理、编辑和切割的完整流程。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/brechtBDCK/MLEJ-deseptex"
	"github.com/brechtBDCK/MLEJ-deseptex/acquire"
	"github.com/brechtBDCK/MLEJ-deseptex/config"
	"github.com/brechtBDCK/MLEJ-deseptex/control"
	"github.com/brechtBDCK/MLEJ-deseptex/cutter"
	"github.com/brechtBDCK/MLEJ-deseptex/framechan"
	"github.com/brechtBDCK/MLEJ-deseptex/inference"
	"github.com/brechtBDCK/MLEJ-deseptex/lens"
)

const (
	flagConfig   = "config"
	flagTesting  = "testing"
	flagLogLevel = "log-level"
	flagPreview  = "preview"
)

func main() {
	app := &cli.App{
		Name:  "deseptex",
		Usage: "detect garment features and cut them out with the laser cutter",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagTesting,
				Usage: "rotate canned test images and do not contact the cutter",
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "debug, info, warn or error (overrides the config file)",
			},
			&cli.StringFlag{
				Name:  flagPreview,
				Value: "./preview.png",
				Usage: "write the operator preview to `FILE`",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.SugaredLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	l, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

func run(c *cli.Context) (err error) {
	cfg, err := config.Load(c.String(flagConfig), c.Bool(flagTesting))
	if err != nil {
		return err
	}
	if c.IsSet(flagLogLevel) {
		cfg.LogLevel = strings.ToLower(c.String(flagLogLevel))
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return errors.Wrap(err, "error building logger")
	}
	//nolint:errcheck
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 标定文件缺失或非法时不进入采集和切割
	calib, err := loadCalibration(cfg)
	if err != nil {
		return err
	}
	undistorter, err := lens.NewUndistorter(calib)
	if err != nil {
		return err
	}
	persp, err := cutter.LoadPerspective(cfg.PerspectivePath)
	if err != nil {
		return err
	}

	engine, err := inference.NewFromConfig(cfg.Inference, logger.Named("inference"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, engine.Close(), deseptex.ShutdownEnvironment())
	}()

	var text *deseptex.TextDrawer
	if cfg.FontPath != "" {
		if text, err = deseptex.NewTextDrawer(cfg.FontPath); err != nil {
			return err
		}
		defer text.Close()
	}

	sensor := cfg.Sensor()
	ch := framechan.New(sensor.Width, sensor.Height)
	acqCfg := cfg.AcquireConfig()
	src, err := acquire.NewSource(acqCfg, cfg.Testing, clock.New(), logger.Named("acquire"))
	if err != nil {
		return err
	}
	acq := acquire.New(acqCfg, ch, src, undistorter, logger.Named("acquire"))

	pipeline := control.Pipeline{
		Channel:  ch,
		Acquirer: acq,
		Engine:   engine,
		Mapper:   cutter.NewMapper(persp, cfg.Bed),
		Renderer: control.NewRenderer(cfg.Display(), cfg.Control.HoverRadius, text),
		Display:  newPreview(c.String(flagPreview), logger.Named("preview")),
	}
	if !cfg.Testing {
		pipeline.Cutter = cutter.NewLink(cfg.Cutter, logger.Named("cutter"))
	}
	loop, err := control.New(cfg.Control, pipeline, cfg.Display(),
		control.Paths{CutFile: cfg.CutFilePath, DeviceCutFile: cfg.CutFileDevicePath},
		logger.Named("control"))
	if err != nil {
		return err
	}

	logger.Infow("starting", "testing", cfg.Testing, "sensor", sensor, "display", cfg.Display())
	acq.Start(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return loop.Run(gctx)
	})
	g.Go(func() error {
		return readConsole(gctx, os.Stdin, loop.Events(), logger.Named("console"))
	})
	return g.Wait()
}

func loadCalibration(cfg *config.Config) (*lens.Calibration, error) {
	if cfg.Testing && cfg.CalibrationPath == "" {
		return lens.Identity(cfg.SensorSize.Width, cfg.SensorSize.Height), nil
	}
	return lens.LoadCalibration(cfg.CalibrationPath)
}
