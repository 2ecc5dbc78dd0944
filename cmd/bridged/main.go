package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tibzejoker/mcp-wrapper-sub000/internal/config"
	"github.com/tibzejoker/mcp-wrapper-sub000/internal/hub"
	"github.com/tibzejoker/mcp-wrapper-sub000/internal/logger"
)

func main() {
	root := &cobra.Command{
		Use:   "bridged",
		Short: "sandbox bridge hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			addr, _ := cmd.Flags().GetString("addr")
			logLevel, _ := cmd.Flags().GetString("log-level")
			logFile, _ := cmd.Flags().GetString("log-file")

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			// Flags beat the file and the environment.
			if addr != "" {
				cfg.Listen.Addr = addr
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}
			if logFile != "" {
				cfg.Logging.File = logFile
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			srv := hub.NewServer(cfg)

			httpSrv := &http.Server{
				Addr:    cfg.Listen.Addr,
				Handler: srv,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				fmt.Printf("bridged listening on %s\n", cfg.Listen.Addr)
				errCh <- httpSrv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				fmt.Println("shutting down...")
				srv.Shutdown()
				return httpSrv.Close()
			case err := <-errCh:
				return err
			}
		},
	}

	root.Flags().String("config", "", "path to YAML config file")
	root.Flags().String("addr", "", "listen address (overrides config)")
	root.Flags().String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	root.Flags().String("log-file", "", "log to a file instead of stderr (overrides config)")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
