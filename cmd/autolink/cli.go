package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"autolink/pkg/config"
)

// Mode selects which parts of the node run.
type Mode string

const (
	ModeNode   Mode = "node"
	ModeClient Mode = "client"
	ModeServer Mode = "server"
)

// Options holds CLI options shared by every command.
type Options struct {
	ConfigPath string
	LogLevel   string
	NodeName   string
	ClientOnly bool
	Chatter    bool
}

// loadConfig reads the config file and applies flag overrides on top.
func (o Options) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.NodeName != "" {
		cfg.NodeName = o.NodeName
	}
	if o.ClientOnly {
		cfg.Roles.Server = false
	}
	if o.Chatter {
		cfg.Chatter.Enable = true
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	var opts Options
	root := &cobra.Command{
		Use:           "autolink",
		Short:         "Self-organizing TCP links between nodes on a LAN",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.ConfigPath, "config", "c", "", "Path to YAML config file")
	pf.StringVar(&opts.LogLevel, "log-level", "", "Override log.level (debug, info, warn, error)")
	pf.StringVar(&opts.NodeName, "name", "", "Override node_name")

	run := &cobra.Command{
		Use:   "run",
		Short: "Run a node: search as a client and escalate to server when nobody answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return exit(runApp(cmd.Context(), opts, ModeNode))
		},
	}
	run.Flags().BoolVar(&opts.ClientOnly, "client-only", false, "Never take the server role")
	run.Flags().BoolVar(&opts.Chatter, "chatter", false, "Send heartbeats while connected")

	client := &cobra.Command{
		Use:   "client",
		Short: "Run only the client role and log what it receives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return exit(runApp(cmd.Context(), opts, ModeClient))
		},
	}

	server := &cobra.Command{
		Use:   "server",
		Short: "Run only the server role and log what it receives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return exit(runApp(cmd.Context(), opts, ModeServer))
		},
	}

	dump := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out, err := cfg.Dump()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	root.AddCommand(run, client, server, dump)
	return root
}

func exit(code int) error {
	if code != 0 {
		os.Exit(code)
	}
	return nil
}

func failf(format string, args ...any) int {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	return 1
}
