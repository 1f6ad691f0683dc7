// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shared

import (
	"context"
	"log/slog"

	"github.com/tombee/switchboard/internal/config"
	"github.com/tombee/switchboard/internal/controller"
	"github.com/tombee/switchboard/internal/log"
)

// Mode selects how chatty a command's logger is.
type Mode int

const (
	// ModeService logs at the configured level (serve, mcp).
	ModeService Mode = iota
	// ModeOneShot logs warnings and above unless --verbose is set.
	ModeOneShot
)

// LoadConfig loads the config file named by --config, or the default
// location when it exists, and applies --verbose and --quiet.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(GetConfigPath()))
	if err != nil {
		return nil, err
	}
	switch {
	case GetVerbose():
		cfg.Log.Level = "debug"
	case GetQuiet():
		cfg.Log.Level = "error"
	}
	return cfg, nil
}

// Logger builds the process logger for mode. Logs always go to stderr.
func Logger(cfg *config.Config, mode Mode) *slog.Logger {
	lc := cfg.LogConfig()
	if mode == ModeOneShot && !GetVerbose() && log.ParseLevel(lc.Level) < slog.LevelWarn {
		lc.Level = "warn"
	}
	return log.New(lc)
}

// NewController builds a controller from cfg for a command.
func NewController(ctx context.Context, cfg *config.Config, mode Mode, requireCredentials bool) (*controller.Controller, error) {
	logger := Logger(cfg, mode)
	slog.SetDefault(logger)

	return controller.New(ctx, cfg, controller.Options{
		Version:            version,
		RequireCredentials: requireCredentials,
		Logger:             logger,
	})
}
