// Command sowback runs either half of the tunnel: `sowback listen` for the
// public-facing server, `sowback connect` for the NAT'd client. Subcommand
// dispatch uses github.com/spf13/cobra; SIGINT/SIGTERM handling is a
// sigIntHandler goroutine canceling a context.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sowback/sowback/internal/client"
	"github.com/sowback/sowback/internal/config"
	"github.com/sowback/sowback/internal/logging"
	"github.com/sowback/sowback/internal/server"
	"github.com/sowback/sowback/internal/service"
)

// errArgs marks a usage/argument error, mapped to exit code 2. Everything
// else that reaches main's top-level error handler is a fatal
// config/bind/runtime error, exit code 1.
var errArgs = errors.New("argument error")

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		if errors.Is(err, errArgs) {
			return 2
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "sowback",
		Short:         "sowback is a reverse TCP tunnel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to a TOML config file")
	root.PersistentFlags().Bool("verbose", false, "enable debug logging")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %s", errArgs, err)
	})
	root.AddCommand(newListenCommand(), newConnectCommand())
	return root
}

func newListenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen <listen_addr>",
		Short: "run in server mode, accepting client control connections",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: listen requires exactly one listen_addr argument", errArgs)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd, args[0])
		},
	}
	flags := cmd.Flags()
	flags.String("bind", "0.0.0.0", "host to bind public proxy listeners on")
	flags.String("token", "", "pre-shared auth token (required)")
	flags.String("name", "", "server name, used in log lines")
	flags.String("log", "", "log file path (default: stderr)")
	flags.String("log-format", "text", "log format: text or json")
	flags.Int("max-clients", 0, "maximum concurrent clients (0 = unlimited)")
	return cmd
}

func newConnectCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <server_addr>",
		Short: "run in client mode, tunneling configured services to a server",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return fmt.Errorf("%w: connect requires exactly one server_addr argument", errArgs)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd, args[0])
		},
	}
	flags := cmd.Flags()
	flags.String("token", "", "pre-shared auth token (required)")
	flags.StringArray("service", nil, "local_ip:local_port:remote_port (repeatable)")
	flags.StringArray("server", nil, "additional fallback server address, tried in order (repeatable)")
	flags.String("name", "", "client name, used in log lines")
	flags.String("log", "", "log file path (default: stderr)")
	flags.String("log-format", "text", "log format: text or json")
	flags.Duration("heartbeat-interval", 30*time.Second, "interval between heartbeats")
	flags.Duration("reconnect-interval", 5*time.Second, "base reconnect backoff")
	return cmd
}

func runListen(cmd *cobra.Command, listenAddr string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadServer(configPath, cmd.Flags())
	if err != nil {
		return err
	}
	cfg.ListenAddr = listenAddr

	logger, closeLog := newLogger(cmd, cfg.LogFile, cfg.LogFormat)
	defer closeLog()

	srv := server.NewServer(logger, server.Options{
		ListenAddr: cfg.ListenAddr,
		BindHost:   cfg.BindHost,
		Token:      cfg.Token,
		MaxClients: cfg.MaxClients,
		Name:       cfg.Name,
	})

	watcher, err := config.WatchServer(configPath, logger, func(updated *config.ServerConfig) {
		srv.UpdateOptions(server.Options{
			Token:      updated.Token,
			MaxClients: updated.MaxClients,
			Name:       updated.Name,
		})
	})
	if err != nil {
		logger.WLogf("config hot-reload disabled: %s", err)
	}
	if watcher != nil {
		defer watcher.Close()
	}

	ctx := sigIntHandler(logger)
	if err := srv.Run(); err != nil {
		return err
	}
	srv.ShutdownOnContext(ctx)
	return srv.WaitShutdown()
}

func runConnect(cmd *cobra.Command, serverAddr string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadClient(configPath, cmd.Flags())
	if err != nil {
		return err
	}
	extraServers, _ := cmd.Flags().GetStringArray("server")
	cfg.Servers = append([]string{serverAddr}, extraServers...)

	descriptors, err := service.ParseAll(cfg.Services)
	if err != nil {
		return fmt.Errorf("%w: %s", errArgs, err)
	}
	if len(descriptors) == 0 {
		return fmt.Errorf("%w: at least one --service is required", errArgs)
	}

	logger, closeLog := newLogger(cmd, cfg.LogFile, cfg.LogFormat)
	defer closeLog()

	c := client.NewClient(logger, client.Options{
		Servers:           cfg.Servers,
		Token:             cfg.Token,
		Services:          descriptors,
		ReconnectInterval: cfg.ReconnectInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Name:              cfg.Name,
	})

	ctx := sigIntHandler(logger)
	return c.Run(ctx)
}

func newLogger(cmd *cobra.Command, logFile, logFormat string) (logging.Logger, func()) {
	verbose, _ := cmd.Flags().GetBool("verbose")
	level := logging.LevelInfo
	if verbose {
		level = logging.LevelDebug
	}
	format, err := logging.ParseFormat(logFormat)
	if err != nil {
		format = logging.FormatText
	}

	if logFile == "" {
		return logging.NewStderr("", format, level), func() {}
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return logging.NewStderr("", format, level), func() {}
	}
	return logging.New(f, format, level), func() { f.Close() }
}

// sigIntHandler runs a goroutine watching os/signal that cancels a context
// on SIGINT/SIGTERM, so the rest of the program only has to select on
// ctx.Done().
func sigIntHandler(logger logging.Logger) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.ILogf("received signal %s, shutting down", sig)
		cancel()
	}()
	return ctx
}
