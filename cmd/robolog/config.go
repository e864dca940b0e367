package main

import (
	"fmt"
	"log/slog"

	"github.com/BurntSushi/toml"
	"github.com/robolog-io/robolog"
	"github.com/robolog-io/robolog/pkg/logging"
	"github.com/spf13/cobra"
)

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	root       string
	metaIndex  bool
	verbose    bool
}

// fileConfig is the TOML config file schema. Flags override file values.
type fileConfig struct {
	Root          string `toml:"root"`
	MinimumFreeGB uint   `toml:"minimum_free_gb"`
	MetaIndex     bool   `toml:"metaindex"`
}

func (g *globalOptions) load() (robolog.Config, error) {
	var fc fileConfig
	if g.configPath != "" {
		if _, err := toml.DecodeFile(g.configPath, &fc); err != nil {
			return robolog.Config{}, fmt.Errorf("read config %s: %w", g.configPath, err)
		}
	}
	conf := robolog.Config{
		Root:          fc.Root,
		MinimumFreeGB: fc.MinimumFreeGB,
		MetaIndex:     fc.MetaIndex,
	}
	if g.root != "" {
		conf.Root = g.root
	}
	if g.metaIndex {
		conf.MetaIndex = true
	}
	level := slog.LevelWarn
	if g.verbose {
		level = slog.LevelDebug
	}
	conf.Logger = logging.New(level)
	if conf.Root == "" {
		return robolog.Config{}, fmt.Errorf("no datastore root: pass --root or set root in the config file")
	}
	return conf, nil
}

// open builds and starts a handle for the duration of one command.
func (g *globalOptions) open(cmd *cobra.Command) (*robolog.Robolog, error) {
	conf, err := g.load()
	if err != nil {
		return nil, err
	}
	r, err := robolog.New(conf)
	if err != nil {
		return nil, err
	}
	if err := r.Start(cmd.Context()); err != nil {
		return nil, err
	}
	return r, nil
}
