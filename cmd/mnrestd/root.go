package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"mnrestd/internal/auth"
	"mnrestd/internal/config"
	"mnrestd/internal/emulator"
	"mnrestd/internal/logging"
	"mnrestd/internal/server"
)

type serveOptions struct {
	configPath string
	port       int
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &serveOptions{}
	rootCmd := &cobra.Command{
		Use:           "mnrestd",
		Short:         "HTTP control plane for a network emulator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
	rootCmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to the YAML or TOML configuration file")
	rootCmd.Flags().IntVarP(&opts.port, "port", "p", 0, "listen port (overrides config and PORT)")
	rootCmd.Flags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(newHashTokenCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "mnrestd version %s\n", version)
		},
	}
}

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print the argon2id hash of a bearer token for auth.token_hash",
		Long: `Print the argon2id hash of a bearer token for auth.token_hash.

The token is read from the first argument. Without one it is prompted for
on a terminal, or read from stdin.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(cmd.InOrStdin(), cmd.ErrOrStderr(), args)
			if err != nil {
				return err
			}
			encoded, err := auth.HashToken(token)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), encoded)
			return nil
		},
	}
}

// readToken takes the token from args, or prompts without echo when stdin is
// a terminal, or reads one line from a pipe.
func readToken(in io.Reader, errOut io.Writer, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(errOut, "Token: ")
		raw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(errOut)
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func runServe(ctx context.Context, opts *serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.port != 0 {
		cfg.Server.Port = opts.port
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger := logging.New(cfg.Logging, opts.debug)
	if !opts.debug {
		gin.SetMode(gin.ReleaseMode)
	}

	emu, closeEmu, err := openEmulator(cfg.Emulator)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeEmu(); err != nil {
			logger.Warn().Err(err).Msg("failed to close emulator")
		}
	}()

	svcOpts, err := serviceOptions(cfg, logger)
	if err != nil {
		return err
	}
	svc, err := server.New(emu, cfg.Server.Port, svcOpts...)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	logger.Info().Str("service", svc.String()).Str("backend", cfg.Emulator.Backend).Msg("mnrestd started")
	notifySystemd(logger, daemon.SdNotifyReady)

	if opts.configPath != "" && !opts.debug {
		go func() {
			err := config.Watch(ctx, opts.configPath, logger, func(next *config.Config) {
				logging.SetLevel(logging.ParseLevel(next.Logging.Level))
			})
			if err != nil {
				logger.Warn().Err(err).Msg("config reload disabled")
			}
		}()
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown requested")
	notifySystemd(logger, daemon.SdNotifyStopping)
	return svc.Stop(context.Background())
}

func serviceOptions(cfg *config.Config, logger zerolog.Logger) ([]server.Option, error) {
	opts := []server.Option{
		server.WithHost(cfg.Server.Host),
		server.WithLogger(logger),
		server.WithVersion(version),
		server.WithDrainTimeout(cfg.Server.DrainTimeout.Std()),
		server.WithCallTimeout(cfg.Server.CallTimeout.Std()),
		server.WithReadHeaderTimeout(cfg.Server.ReadHeaderTimeout.Std()),
		server.WithMaxConnections(cfg.Server.MaxConnections),
		server.WithRateLimit(cfg.Server.RateLimit, cfg.Server.RateBurst),
		server.WithRequestValidation(cfg.Server.ValidateRequests),
	}
	if cfg.Auth.TokenHash != "" {
		authenticator, err := auth.NewTokenAuthenticator(cfg.Auth.TokenHash)
		if err != nil {
			return nil, fmt.Errorf("auth.token_hash: %w", err)
		}
		opts = append(opts, server.WithAuthenticator(authenticator))
	}
	return opts, nil
}

// openEmulator builds the configured backend. The returned func releases it.
func openEmulator(cfg config.EmulatorConfig) (emulator.Emulator, func() error, error) {
	switch cfg.Backend {
	case "sqlite":
		db, err := emulator.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite inventory: %w", err)
		}
		return db, db.Close, nil
	case "memory", "":
		return emulator.NewMemory(), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown emulator backend %q", cfg.Backend)
	}
}

func notifySystemd(logger zerolog.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn().Err(err).Str("state", state).Msg("failed to notify systemd")
		return
	}
	if sent {
		logger.Debug().Str("state", state).Msg("notified systemd")
	}
}

