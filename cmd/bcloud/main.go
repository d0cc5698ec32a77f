// bcloud syncs Blender Cloud texture libraries to a local directory.
//
// Sub-commands:
//
//	bcloud sync <project-uuid>     Download a project (or --node subtree)
//	bcloud resolve <uuid|path>     Map between remote UUIDs and local files
//	bcloud thumbs <node-uuid>      Fetch the texture previews of a node
//	bcloud login / logout          Manage the saved token
//	bcloud cache stats|clear       Inspect or clear the local caches
package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dfelinto/blender-cloud-addon/internal/config"
	"github.com/dfelinto/blender-cloud-addon/internal/metrics"
	"github.com/dfelinto/blender-cloud-addon/internal/session"
	"github.com/dfelinto/blender-cloud-addon/pkg/client"
	"github.com/dfelinto/blender-cloud-addon/pkg/logger"
)

var (
	cfgFile string
	cfg     *config.Config
)

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

var rootCmd = &cobra.Command{
	Use:           "bcloud",
	Short:         "Sync Blender Cloud texture libraries",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile, cmd.Flags())
		if err != nil {
			return err
		}
		if err := logger.Init(logger.Config{
			Level:  cfg.LogLevel,
			Format: cfg.LogFormat,
			File:   cfg.LogFile,
		}); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		startMetrics(cfg.MetricsAddr)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: <user config dir>/blender_cloud/config.yaml)")
	pf.String("server", "", "API root URL")
	pf.String("token", "", "Authentication token (default: BCLOUD_TOKEN or the saved token)")
	pf.String("textures", "", "Local textures directory")
	pf.String("cache", "", "Cache directory")
	pf.String("log-level", "", "Log level: debug, info, warn, error")
	pf.String("log-format", "", "Log format: console or json")
	pf.String("log-file", "", "Also write logs to this rotating file")
	pf.String("metrics", "", "Serve Prometheus metrics on this address, e.g. :9090")
}

func startMetrics(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// resolveToken picks the credential: --token or BCLOUD_TOKEN, then the saved
// token file. An empty result means anonymous access.
func resolveToken() (string, error) {
	if cfg.Token != "" {
		return cfg.Token, nil
	}
	tf, err := client.LoadToken()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read saved token: %w", err)
	}
	if tf.IsExpired(0) {
		return "", fmt.Errorf("saved token has expired, run 'bcloud login'")
	}
	logger.Debug("using saved token", zap.String("user", tf.Username), zap.String("server", tf.Server))
	return tf.Token, nil
}

func openSession() (*session.Session, error) {
	token, err := resolveToken()
	if err != nil {
		return nil, err
	}
	return session.New(cfg, token)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(os.Stderr, ee.msg)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
