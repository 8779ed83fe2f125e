package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/anomalyco/deskagent/internal/adaptercfg"
	"github.com/anomalyco/deskagent/internal/agent"
	"github.com/anomalyco/deskagent/internal/auth"
	"github.com/anomalyco/deskagent/internal/history"
	"github.com/anomalyco/deskagent/internal/logging"
	"github.com/anomalyco/deskagent/internal/mcpcfg"
	"github.com/anomalyco/deskagent/internal/settings"
	"github.com/anomalyco/deskagent/internal/spaces"
)

// app bundles the services every subcommand wires together.
type app struct {
	dataDir  string
	log      *slog.Logger
	settings *settings.Service
	store    *history.Store
	spaces   *spaces.Manager
	profile  adaptercfg.Resolved
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".deskagent"
	}
	return filepath.Join(home, ".deskagent")
}

func openApp(dataDir, profileName string, trace bool) (*app, error) {
	if dataDir == "" {
		dataDir = defaultDataDir()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	logPath := filepath.Join(dataDir, "deskagent.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	level := slog.LevelInfo
	if trace {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: level}))

	svc, err := settings.NewService(dataDir, log)
	if err != nil {
		return nil, err
	}
	store, err := history.Open(dataDir)
	if err != nil {
		return nil, err
	}
	spaceMgr, err := spaces.NewManager(filepath.Join(dataDir, "spaces"))
	if err != nil {
		return nil, err
	}

	model, err := adaptercfg.Load(filepath.Join(dataDir, adaptercfg.ConfigFileName))
	if err != nil {
		return nil, err
	}
	name := adaptercfg.SelectName(profileName, os.Getenv("DESKAGENT_PROFILE"), model)
	profile, err := adaptercfg.Resolve(model, name)
	if err != nil {
		return nil, err
	}

	return &app{
		dataDir:  dataDir,
		log:      log,
		settings: svc,
		store:    store,
		spaces:   spaceMgr,
		profile:  profile,
	}, nil
}

func (a *app) close() {
	a.settings.Close()
	a.store.Close()
}

// buildManager assembles the adapter manager: credentials are re-resolved on
// every connection so a key added in settings takes effect on reconnect.
func (a *app) buildManager(trace bool) (*agent.Manager, error) {
	resolver := auth.NewResolver(func() string { return a.settings.Get().APIKey })

	extraEnv := func() []string {
		env := a.profile.ProcessEnv(os.Getenv)
		cred, err := resolver.Resolve()
		if err != nil {
			a.log.Warn("no credentials resolved, adapter may fail to authenticate")
			return env
		}
		a.log.Info("using credential", "kind", cred.Describe())
		return append(env, cred.Env()...)
	}

	mcpServers := func(dir string) []json.RawMessage {
		cfg, err := mcpcfg.LoadFromSpace(dir)
		if err != nil {
			a.log.Warn("mcp config unreadable, starting session without servers", "dir", dir, "error", err)
			return nil
		}
		wire, err := cfg.WireServers()
		if err != nil {
			return nil
		}
		return wire
	}

	cfg := agent.Config{
		Command:          a.profile.Command,
		Args:             a.profile.Args,
		ExtraEnv:         extraEnv,
		AlwaysAllow:      a.settings.AlwaysAllowTools,
		McpServers:       mcpServers,
		HandshakeTimeout: a.profile.HandshakeTimeout,
		PromptTimeout:    a.profile.PromptTimeout,
		Logger:           a.log,
	}
	if trace {
		frameLog, err := logging.NewFrameLog(a.dataDir)
		if err != nil {
			return nil, err
		}
		cfg.FrameTrace = frameLog.Append
	}
	return agent.NewManager(cfg), nil
}
