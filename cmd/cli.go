package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/relay/config"
	"github.com/angeloszaimis/relay/pkg/logger"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "relay",
		Short:         "Static route table reverse proxy",
		Long:          "relay forwards HTTP requests to fixed upstreams chosen by path prefix or listening port.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "path to the config file (default ./config/config.yaml or ./config.yaml)")
	flags.StringP("address", "a", ":8080", "address the main server listens on")
	flags.String("log-level", config.LogLevelInfo, "log level: debug, info, warn or error")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newRoutesCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy (default)",
		RunE:  runServe,
	}
}

func newRoutesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "routes",
		Short: "Print the resolved route table",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.LoadOptions{Flags: cmd.Flags()})
			if err != nil {
				return err
			}
			return printRoutes(cmd, cfg)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relay %s\n", version)
		},
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.LoadOptions{Flags: cmd.Flags()})
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		return err
	}

	log := logger.New(logger.Options{
		Level:       cfg.Logging.Level,
		AddSource:   cfg.Logging.AddSource,
		Environment: cfg.Server.Environment,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg, log)
	if err != nil {
		log.Error("Failed to build proxy", slog.Any("err", err))
		return err
	}

	if err := a.run(ctx); err != nil {
		log.Error("Proxy stopped with an error", slog.Any("err", err))
		return err
	}

	log.Info("Shut down gracefully")
	return nil
}

func printRoutes(cmd *cobra.Command, cfg *config.Config) error {
	table, err := cfg.RouteTable()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "LISTEN\tPREFIX\tTARGET\tPATH\n")

	for _, rt := range table.Routes() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cfg.Server.Address, rt.Prefix, rt.Target, pathMode(rt.StripPrefix, rt.Rewrite))
	}
	if def, ok := table.Default(); ok {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cfg.Server.Address, "(default)", def.Target, pathMode(false, ""))
	}
	for _, l := range cfg.Listeners {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.Address, "*", l.Target(), pathMode(false, ""))
	}

	return w.Flush()
}

func pathMode(strip bool, rewrite string) string {
	switch {
	case rewrite != "":
		return "rewrite " + rewrite
	case strip:
		return "strip"
	default:
		return "keep"
	}
}
