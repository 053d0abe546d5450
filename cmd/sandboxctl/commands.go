// commands.go: sandboxctl subcommands
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	gosandbox "github.com/agilira/go-sandbox"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/protobuf/encoding/protojson"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Scan plugin directories and list accepted plugins",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDiscoveredRegistry(cmd.Context(), viper.GetBool(keyLoad), func(_ *gosandbox.Registry, found []gosandbox.PluginInfo) error {
			return printPluginTable(cmd.OutOrStdout(), found)
		})
	},
}

var orderCmd = &cobra.Command{
	Use:   "order [plugin...]",
	Short: "Print the dependency-ordered load sequence",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDiscoveredRegistry(cmd.Context(), false, func(r *gosandbox.Registry, found []gosandbox.PluginInfo) error {
			names := args
			if len(names) == 0 {
				for _, info := range found {
					names = append(names, info.Name)
				}
			}
			for i, name := range r.ResolveLoadOrder(names) {
				fmt.Fprintf(cmd.OutOrStdout(), "%d. %s\n", i+1, name)
			}
			return nil
		})
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <plugin>",
	Short: "Show registry state and compatibility of a plugin",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDiscoveredRegistry(cmd.Context(), viper.GetBool(keyLoad), func(r *gosandbox.Registry, _ []gosandbox.PluginInfo) error {
			info, err := r.GetPluginInfo(args[0])
			if err != nil {
				return err
			}
			check, err := r.CheckPluginCompatibility(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"plugin":        info,
				"compatibility": check,
			})
		})
	},
}

var callTimeout time.Duration

var callCmd = &cobra.Command{
	Use:   "call <plugin> <method> [arg...]",
	Short: "Invoke a plugin method inside its sandbox",
	Long: `Invoke a plugin method inside its sandbox. Each argument is parsed as
JSON when possible (42, 1.5, true, "text") and passed as a string otherwise.`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDiscoveredRegistry(cmd.Context(), false, func(r *gosandbox.Registry, _ []gosandbox.PluginInfo) error {
			result, err := r.SafeCall(cmd.Context(), args[0], args[1], parseCallArgs(args[2:]), callTimeout)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		})
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the security report as JSON",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDiscoveredRegistry(cmd.Context(), viper.GetBool(keyLoad), func(r *gosandbox.Registry, _ []gosandbox.PluginInfo) error {
			s, err := r.GetSecurityReport().ToStruct()
			if err != nil {
				return err
			}
			out := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Format(s)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), out)
			return err
		})
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		cfg := gosandbox.DefaultRegistryConfig()
		fmt.Fprintf(cmd.OutOrStdout(), "sandboxctl %s (platform %s, api %s, %s)\n",
			version, cfg.PlatformVersion, cfg.APIVersion, runtime.Version())
	},
}

func init() {
	callCmd.Flags().DurationVar(&callTimeout, "timeout", 0, "call timeout (default: manifest timeout)")
	rootCmd.AddCommand(discoverCmd, orderCmd, infoCmd, callCmd, reportCmd, versionCmd)
}

func parseCallArgs(raw []string) []any {
	args := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err == nil {
			args[i] = v
		} else {
			args[i] = s
		}
	}
	return args
}

func printPluginTable(w io.Writer, plugins []gosandbox.PluginInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVERSION\tSTATE\tTRUSTED\tSANDBOX\tDEPENDENCIES")
	for _, p := range plugins {
		deps := make([]string, 0, len(p.Manifest.Dependencies))
		for name, req := range p.Manifest.Dependencies {
			deps = append(deps, name+req)
		}
		sort.Strings(deps)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%s\n",
			p.Name, p.Manifest.Version, p.State, p.Manifest.Trusted, p.Manifest.SandboxLevel, strings.Join(deps, ","))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
