// root.go: Root command, shared flags and registry construction
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	gosandbox "github.com/agilira/go-sandbox"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	keyConfig         = "config"
	keyRegistryConfig = "registry-config"
	keyPluginDirs     = "plugin-dir"
	keyAllowUntrusted = "allow-untrusted"
	keyLogLevel       = "log-level"
	keyLoad           = "load"
)

var rootCmd = &cobra.Command{
	Use:   "sandboxctl",
	Short: "Inspect and exercise sandboxed plugins",
	Long: `sandboxctl discovers plugins in plugin directories, validates them
against the registry security and compatibility gates, and runs their
methods inside a sandbox.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return initConfig()
	},
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String(keyConfig, "", "sandboxctl config file (yaml, json or toml)")
	flags.String(keyRegistryConfig, "", "registry configuration file")
	flags.StringSlice(keyPluginDirs, nil, "plugin directory to scan (repeatable)")
	flags.Bool(keyAllowUntrusted, false, "accept plugins not marked trusted")
	flags.String(keyLogLevel, "warn", "log level: debug, info, warn, error")
	flags.Bool(keyLoad, false, "load trusted plugins after discovery")

	for _, key := range []string{keyConfig, keyRegistryConfig, keyPluginDirs, keyAllowUntrusted, keyLogLevel, keyLoad} {
		_ = viper.BindPFlag(key, flags.Lookup(key))
	}
	viper.SetEnvPrefix("SANDBOXCTL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func initConfig() error {
	path := viper.GetString(keyConfig)
	if path == "" {
		return nil
	}
	viper.SetConfigFile(path)
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return nil
}

func newLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(viper.GetString(keyLogLevel))
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(level)
	return logger, nil
}

// newRegistry builds a registry from the registry config file, if any, and
// the command line overrides.
func newRegistry() (*gosandbox.Registry, error) {
	cfg := gosandbox.DefaultRegistryConfig()
	if path := viper.GetString(keyRegistryConfig); path != "" {
		loaded, err := gosandbox.LoadRegistryConfig(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if dirs := viper.GetStringSlice(keyPluginDirs); len(dirs) > 0 {
		cfg.PluginDirectories = append(cfg.PluginDirectories, dirs...)
	}
	if viper.GetBool(keyAllowUntrusted) {
		cfg.AllowUntrusted = true
	}
	// One-shot commands have no use for background loops.
	cfg.Health.Disabled = true
	cfg.HotReload.Enabled = false

	logger, err := newLogger()
	if err != nil {
		return nil, err
	}
	cfg.Logger = gosandbox.NewLogrusAdapter(logger)
	return gosandbox.NewRegistry(cfg)
}

// withDiscoveredRegistry runs fn against a registry populated by discovery
// and cleans the registry up afterwards.
func withDiscoveredRegistry(ctx context.Context, autoLoad bool, fn func(*gosandbox.Registry, []gosandbox.PluginInfo) error) (err error) {
	registry, err := newRegistry()
	if err != nil {
		return err
	}
	defer func() {
		if cleanupErr := registry.Cleanup(ctx); cleanupErr != nil && err == nil {
			err = cleanupErr
		}
	}()

	found, err := registry.Discover(ctx, autoLoad)
	if err != nil {
		return err
	}
	return fn(registry, found)
}
