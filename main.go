// CortexCompanion - a Tamil-speaking voice companion in front of a chat backend
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/cortexcompanion/internal/config"
	"github.com/normanking/cortexcompanion/internal/gloss"
	"github.com/normanking/cortexcompanion/internal/logging"
)

// Version information (set at build time)
var version = "dev"

// appRuntime is what PersistentPreRunE prepares for every subcommand.
type appRuntime struct {
	configFile string
	logLevel   string
	console    bool

	manager *config.Manager
	syslog  *logging.Logger
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rt := &appRuntime{}

	rootCmd := &cobra.Command{
		Use:   "cortexcompanion",
		Short: "Voice companion that glosses, chats and speaks Tamil replies",
		Long: `CortexCompanion relays what you type or say to a chat backend,
shows the reply with an emotion and reads it aloud in Tamil.

Run without a subcommand to serve the HTTP API and websocket feed.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return rt.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			rt.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.serve(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().StringVar(&rt.configFile, "config", "", "config file (default ~/.cortexcompanion/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&rt.logLevel, "log-level", "", "log level: debug, info, warn or error")
	rootCmd.Flags().BoolVar(&rt.console, "console", false, "read messages and commands from stdin")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and websocket feed (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rt.serve(cmd.Context())
		},
	}
	serveCmd.Flags().BoolVar(&rt.console, "console", false, "read messages and commands from stdin")

	rootCmd.AddCommand(
		serveCmd,
		&cobra.Command{
			Use:   "gloss [text...]",
			Short: "Print the word-for-word gloss of text",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				dict := gloss.Default().Merge(rt.manager.Config().Gloss.Overrides)
				fmt.Fprintln(cmd.OutOrStdout(), dict.Gloss(strings.Join(args, " ")))
				return nil
			},
		},
		&cobra.Command{
			Use:   "voices",
			Short: "List local voices and mark the one replies would use",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return rt.voices(cmd)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "CortexCompanion %s\n", version)
			},
		},
	)

	return rootCmd
}

func (rt *appRuntime) setup() error {
	envFiles := []string{".env"}
	if dir, err := config.Dir(); err == nil {
		envFiles = append(envFiles, filepath.Join(dir, ".env"))
	}
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return err
	}

	manager, err := config.NewManager(rt.configFile)
	if err != nil {
		return err
	}
	cfg := manager.Config()
	if rt.logLevel != "" {
		cfg.Logging.Level = rt.logLevel
	}

	syslog, err := logging.New(&logging.Config{
		LogDir:  cfg.Logging.Dir,
		Level:   logging.LogLevel(cfg.Logging.Level),
		Console: cfg.Logging.Console,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	rt.manager = manager
	rt.syslog = syslog
	return nil
}

func (rt *appRuntime) close() {
	if rt.syslog != nil {
		rt.syslog.Close()
	}
}

func (rt *appRuntime) serve(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := rt.syslog.Component("main")
	log.Info().
		Str("config", rt.manager.File()).
		Str("backend", rt.manager.Config().Dialogue.BaseURL).
		Str("addr", rt.manager.Config().Server.Addr).
		Msg("CortexCompanion starting")

	return newApp(rt.manager, rt.syslog, rt.console).Run(ctx)
}

func (rt *appRuntime) voices(cmd *cobra.Command) error {
	cfg := rt.manager.Config()
	zlog := rt.syslog.Zerolog()
	synth := newSynthesizer(cfg, zlog)
	if synth == nil {
		return fmt.Errorf("no local speech engine found (engine=%s)", cfg.TTS.Engine)
	}
	speaker := newSpeaker(cfg, zlog, synth)

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	selected, err := speaker.SelectedVoice(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	voices := synth.Voices()
	if len(voices) == 0 {
		fmt.Fprintf(out, "%s reported no voices; replies use its default voice\n", synth.Name())
		return nil
	}
	for _, v := range voices {
		mark := " "
		if selected != nil && v.ID == selected.ID {
			mark = "*"
		}
		fmt.Fprintf(out, "%s %-28s %-10s %s\n", mark, v.Name, v.Language, v.ID)
	}
	if selected == nil {
		fmt.Fprintf(out, "no voice matches %s; replies use the engine default\n", cfg.TTS.Locale)
	}
	return nil
}
