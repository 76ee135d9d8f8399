// app.go loads configuration and builds the shared collaborators every
// driving command needs: diagnostics, transcript, sessions and the store.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/otdrive/otdrive/internal/config"
	"github.com/otdrive/otdrive/internal/fanout"
	"github.com/otdrive/otdrive/internal/log"
	"github.com/otdrive/otdrive/internal/session"
	"github.com/otdrive/otdrive/internal/store"
)

type app struct {
	root   string
	cfg    *config.Config
	log    zerolog.Logger
	events *log.Logger
	sink   log.Sink
	closer io.Closer
}

// loadApp reads .env, config.yaml and the environment overlay, then applies
// command-line overrides.
func loadApp() (*app, error) {
	root, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	if err := config.LoadEnvFile(envFile); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOrDefault(root)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if workers > 0 {
		cfg.FanOut.Workers = workers
	}
	if !filepath.IsAbs(cfg.Log.FilePath) {
		cfg.Log.FilePath = filepath.Join(root, cfg.Log.FilePath)
	}

	logger, closer, err := log.NewConsole(cfg.Log)
	if err != nil {
		return nil, err
	}
	events, err := log.NewLogger(root)
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	return &app{
		root:   root,
		cfg:    cfg,
		log:    logger,
		events: events,
		sink:   log.Tee(events, log.ConsoleSink{Logger: logger}),
		closer: closer,
	}, nil
}

func (a *app) Close() {
	_ = a.closer.Close()
}

func (a *app) options(node string) session.Options {
	return session.OptionsFromConfig(a.cfg, node, a.sink)
}

func (a *app) spawner() session.ProcessSpawner {
	return session.ProcessSpawner{StderrPath: filepath.Join(config.Dir(a.root), a.cfg.Simulator.StderrFile)}
}

// dialSimulator starts the simulator process and waits for its prompt.
func (a *app) dialSimulator() (*session.CommandSession, error) {
	a.log.Info().Str("command", a.cfg.Simulator.Command).Msg("starting simulator")
	s, err := session.Dial(a.spawner(), a.cfg.Simulator.Command, a.options("otns"))
	if err != nil {
		return nil, fmt.Errorf("starting simulator %q: %w", a.cfg.Simulator.Command, err)
	}
	return s, nil
}

// containerOpener attaches one process per node container.
func (a *app) containerOpener() fanout.Opener {
	return fanout.Dialer(a.spawner(), a.cfg.FanOut.EndpointTemplate, func(key fanout.NodeRef) session.Options {
		return a.options(string(key))
	})
}

func (a *app) openStore() (*store.Store, error) {
	path := a.cfg.Store.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(a.root, path)
	}
	return store.NewStore(path)
}

// runDir is where per-run artifacts such as report.md are written.
func (a *app) runDir(runID string) string {
	return filepath.Join(config.Dir(a.root), "runs", runID)
}

func (a *app) event(e log.LogEvent) {
	_ = a.events.Append(e)
}
