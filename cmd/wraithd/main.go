// Command wraithd is the main executable for the wraith campaign engine.
// It loads the configuration, opens the session store and campaign archive,
// wires the scanner, attack chain and cracker into the engine and runs it
// until it is signalled or a safety limit ends the campaign.
//
// SIGINT and SIGTERM stop the engine gracefully; SIGUSR1 toggles pause.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wraith/internal/attack"
	"wraith/internal/config"
	"wraith/internal/database"
	"wraith/internal/engine"
	"wraith/internal/scanner"
	"wraith/internal/session"
	"wraith/internal/simulate"
)

// options holds the command line flags
type options struct {
	configPath   string
	logLevel     string
	resumeID     string
	detections   string
	simulate     bool
	listSessions bool
}

// parseFlags parses command line flags
func parseFlags(args []string) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("wraithd", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file (defaults are used when empty)")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides logging.level")
	fs.StringVar(&opts.resumeID, "resume", "", "Resume the session with this id")
	fs.StringVar(&opts.detections, "detections", "", "Replay detections from a YAML or JSON file")
	fs.BoolVar(&opts.simulate, "simulate", false, "Run against the simulated demo neighbourhood")
	fs.BoolVar(&opts.listSessions, "list-sessions", false, "List stored sessions and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}
	return opts, nil
}

// setupLogging configures the global logger. The flag level wins over the
// configured one; an unknown level falls back to info.
func setupLogging(cfg config.LoggingConfig, flagLevel string) (zerolog.Level, func(), error) {
	name := cfg.Level
	if flagLevel != "" {
		name = flagLevel
	}
	level, err := zerolog.ParseLevel(strings.ToLower(name))
	if err != nil || name == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = os.Stderr
	if cfg.Format == "" || cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	cleanup := func() {}
	if cfg.OutputPath != "" {
		f, err := os.OpenFile(cfg.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return level, cleanup, fmt.Errorf("failed to open log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, f)
		cleanup = func() { f.Close() }
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return level, cleanup, nil
}

// buildDeps selects the engine collaborators for the requested mode
func buildDeps(cfg *config.Config, opts *options, sessions *session.Manager) (engine.Deps, error) {
	deps := engine.Deps{Sessions: sessions}

	switch {
	case opts.simulate:
		demo := simulate.NewDemo(cfg.Attack.CaptureDir)
		deps.Scanner = demo.Scanner
		deps.Chain = attack.NewDefaultChain(cfg.Attack, demo.Capture, demo.RogueAP)
		deps.Cracker = demo.Cracker
		if opts.detections != "" {
			deps.Scanner = scanner.New(opts.detections)
		}
		log.Info().Msg("Simulation mode: radio backends are scripted")
	case opts.detections != "":
		deps.Scanner = scanner.New(opts.detections)
		deps.Chain = attack.NewDefaultChain(cfg.Attack, nil, nil)
		log.Warn().Str("file", opts.detections).Msg("No capture backend available, every attack will be skipped")
	default:
		return deps, errors.New("no scanner available: use -simulate or -detections")
	}
	return deps, nil
}

// maintainer is the part of the archive that periodic maintenance needs
type maintainer interface {
	CleanOldData(retentionDays int) (int, error)
	OptimizeDatabase() error
	BackupDatabase() (string, error)
}

// maintain prunes, vacuums and backs up the archive once
func maintain(db maintainer, cfg config.DatabaseConfig) {
	if cfg.DataRetentionDays > 0 {
		deleted, err := db.CleanOldData(cfg.DataRetentionDays)
		if err != nil {
			log.Error().Err(err).Msg("Archive cleanup failed")
		} else if deleted > 0 {
			log.Info().Int("deleted", deleted).Msg("Old archive records removed")
		}
	}
	if err := db.OptimizeDatabase(); err != nil {
		log.Error().Err(err).Msg("Archive optimization failed")
	}
	if path, err := db.BackupDatabase(); err != nil {
		log.Error().Err(err).Msg("Archive backup failed")
	} else {
		log.Debug().Str("path", path).Msg("Archive backed up")
	}
}

func runMaintenance(ctx context.Context, db maintainer, cfg config.DatabaseConfig) {
	ticker := time.NewTicker(cfg.GetOptimizeFrequency())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			maintain(db, cfg)
		}
	}
}

func togglePause(eng *engine.Engine) {
	if eng.State() == engine.StatePaused {
		if err := eng.Resume(); err != nil {
			log.Warn().Err(err).Msg("Resume failed")
		}
		return
	}
	if err := eng.Pause(); err != nil {
		log.Warn().Err(err).Msg("Pause failed")
	}
}

func listSessions(sessions *session.Manager, w io.Writer) error {
	summaries, err := sessions.ListSessions()
	if err != nil {
		return err
	}
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.Name, s.State, s.LastActivity.Format(time.RFC3339))
	}
	return nil
}

func run(cfg *config.Config, opts *options) error {
	store, err := session.OpenStore(cfg.Session)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	sessions := session.NewManager(store, cfg.Session)
	defer sessions.Close()

	if opts.listSessions {
		return listSessions(sessions, os.Stdout)
	}

	deps, err := buildDeps(cfg, opts, sessions)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var db *database.DB
	if cfg.Database.Enabled {
		log.Info().Str("path", cfg.Database.Path).Msg("Initializing database")
		db, err = database.New(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer db.Close()
		if cfg.Database.BackupDir != "" {
			db.BackupDir = cfg.Database.BackupDir
		}
		deps.Archive = db
		go runMaintenance(ctx, db, cfg.Database)
	}

	eng, err := engine.New(cfg, deps)
	if err != nil {
		return err
	}

	// The engine can end the campaign on its own when a safety limit trips
	stopped := make(chan struct{}, 1)
	eng.AddStateListener(engine.StateListenerFunc(func(from, to engine.State) {
		if to == engine.StateIdle {
			select {
			case stopped <- struct{}{}:
			default:
			}
		}
	}))

	if err := eng.Start(opts.resumeID); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)
	defer signal.Stop(signalChan)

loop:
	for {
		select {
		case sig := <-signalChan:
			if sig == syscall.SIGUSR1 {
				togglePause(eng)
				continue
			}
			log.Info().Str("signal", sig.String()).Msg("Received termination signal")
			if err := eng.Stop(); err != nil {
				log.Error().Err(err).Msg("Engine shutdown failed")
			}
			break loop
		case <-stopped:
			break loop
		}
	}

	status := eng.Status()
	log.Info().
		Str("session", status.SessionID).
		Str("cause", status.StopCause).
		Int("cycles", status.Cycles).
		Interface("targets", status.Targets).
		Msg("Campaign finished")

	if db != nil {
		log.Info().Msg("Optimizing database before exit")
		if err := db.OptimizeDatabase(); err != nil {
			log.Error().Err(err).Msg("Database optimization failed")
		}
	}
	return nil
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	// Console logging until the configuration says otherwise
	if _, _, err := setupLogging(config.LoggingConfig{Level: opts.logLevel}, ""); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg := config.New()
	if opts.configPath != "" {
		if err := cfg.LoadConfig(opts.configPath); err != nil {
			log.Fatal().Err(err).Str("path", opts.configPath).Msg("Failed to load configuration")
		}
	} else if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid default configuration")
	}

	_, cleanup, err := setupLogging(cfg.Logging, opts.logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure logging")
	}
	defer cleanup()

	log.Info().Msg("Starting wraith")
	if err := run(cfg, opts); err != nil {
		log.Error().Err(err).Msg("wraith failed")
		cleanup()
		os.Exit(1)
	}
	log.Info().Msg("wraith has been shut down gracefully")
}
