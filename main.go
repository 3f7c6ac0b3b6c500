package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/simple64/netsync/internal/codec"
	"github.com/simple64/netsync/internal/config"
	"github.com/simple64/netsync/internal/entity"
	"github.com/simple64/netsync/internal/lobby"
	"github.com/simple64/netsync/internal/replication"
	"github.com/simple64/netsync/internal/session"
)

const (
	demoPrefab    = "puck"
	starterPrefab = "starter"
)

func newZap(cfg config.LogConfig, debug bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.OutputPaths = []string{"stderr"}
	if debug {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := zcfg.Build()
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	if cfg.Path == "" {
		return logger, nil
	}

	lj := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
	}
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(zcfg.EncoderConfig), zapcore.AddSync(lj), zcfg.Level)
	return logger.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	})), nil
}

// spinner moves its entity in a circle while it holds authority.
type spinner struct {
	h     *replication.Handle
	angle float64
}

func (s *spinner) Describe(*replication.Table) {}

func (s *spinner) OnAttach(h *replication.Handle) { s.h = h }

func (s *spinner) OnTick() {
	if !s.h.HasAuthority() {
		return
	}
	s.angle += 0.05
	e := s.h.Entity()
	e.Position = codec.Vector3{X: float32(10 * math.Cos(s.angle)), Z: float32(10 * math.Sin(s.angle))} //nolint:gomnd
	e.Rotation = codec.Quaternion{Y: float32(math.Sin(s.angle / 2)), W: float32(math.Cos(s.angle / 2))} //nolint:gomnd
}

// starter lives on the host only and starts the game once enough players
// are connected.
type starter struct {
	lobby  *lobby.Lobby
	logger logr.Logger
}

func (s *starter) Describe(*replication.Table) {}

func (s *starter) OnTick() {
	if s.lobby.Started() {
		return
	}
	if err := s.lobby.Go(); err != nil && !errors.Is(err, lobby.ErrNotEnough) {
		s.logger.Error(err, "could not start game")
	}
}

func setupDemo(s *session.Session, logger logr.Logger) {
	s.RegisterPrefab(starterPrefab, func(e *entity.Entity) error {
		_, err := s.RegisterBehavior(e, &starter{lobby: s.Lobby(), logger: logger})
		return err
	})
	s.RegisterPrefab(demoPrefab, func(e *entity.Entity) error {
		if _, err := s.RegisterBehavior(e, &replication.Transform{Limit: replication.NewRateLimited(10)}); err != nil { //nolint:gomnd
			return err
		}
		_, err := s.RegisterBehavior(e, &spinner{})
		return err
	})
	s.Lobby().OnGo(func() {
		logger.Info("lobby go", "players", s.PlayerCount())
		if !s.IsHost() {
			return
		}
		if _, err := s.SpawnEntity(entity.Dynamic, demoPrefab, entity.HostOwner, codec.Vector3{}, codec.Identity); err != nil {
			logger.Error(err, "could not spawn demo entity")
		}
	})
	s.Entities().OnSpawn(func(e *entity.Entity) {
		logger.Info("entity spawned", "uid", e.UID, "name", e.SourceName, "owner", e.Owner)
	})
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	mode := flag.String("mode", "", "host or client")
	address := flag.String("address", "", "Listen address (host) or host address (client)")
	tickRate := flag.Int("tick-rate", 0, "Ticks per second")
	logPath := flag.String("log-path", "", "Write logs to this file")
	minPlayers := flag.Int("min-players", 0, "Players required before the host starts the game")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Panic(err)
		}
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *address != "" {
		cfg.Address = *address
	}
	if *tickRate > 0 {
		cfg.TickRate = *tickRate
	}
	if *logPath != "" {
		cfg.Log.Path = *logPath
	}
	if *minPlayers > 0 {
		cfg.Lobby.MinPlayers = *minPlayers
	}

	zapLog, err := newZap(cfg.Log, *debug)
	if err != nil {
		log.Panic(err)
	}
	defer func() { _ = zapLog.Sync() }()
	logger := zapr.NewLogger(zapLog)

	if err := cfg.Validate(); err != nil {
		logger.Error(err, "bad configuration")
		os.Exit(1)
	}

	s, err := session.New(cfg, logger)
	if err != nil {
		logger.Error(err, "could not create session")
		os.Exit(1)
	}
	setupDemo(s, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Mode == config.ModeHost {
		err = s.Host()
	} else {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second) //nolint:gomnd
		err = s.Join(dialCtx)
		cancel()
	}
	if err != nil {
		logger.Error(err, "could not start session", "mode", cfg.Mode, "address", cfg.Address)
		os.Exit(1)
	}

	fmt.Println("successfully finished startup")

	if cfg.Mode == config.ModeHost {
		if _, err := s.Entities().SpawnHostOnly(starterPrefab, codec.Vector3{}, codec.Identity); err != nil {
			logger.Error(err, "could not spawn lobby starter")
			os.Exit(1)
		}
	}
	if err := s.Run(ctx); err != nil {
		logger.Error(err, "session ended")
	}
	if err := s.Close(); err != nil {
		logger.Error(err, "could not close session")
	}
}
