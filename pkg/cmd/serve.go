package cmd

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeffvan302/fileharbor/internal/config"
	"github.com/jeffvan302/fileharbor/internal/metrics"
	"github.com/jeffvan302/fileharbor/internal/server"
)

const (
	configPathFlag     = "config"
	configPasswordFlag = "config-password"
	metricsAddrFlag    = "metrics-addr"

	configPathEnvVar = "FHARBOR_SERVER_CONFIG"
)

// newServeCommand builds `fharbor serve`, which loads a server
// configuration document and runs the connection acceptor (C9) until
// interrupted. The config path doubles as a flag and an environment
// variable, following the viper BindPFlag/BindEnv idiom the teacher uses
// for its rsync-tls container image flag.
func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the fileharbor server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := v.GetString(configPathFlag)
			if configPath == "" {
				return fmt.Errorf("--%s is required", configPathFlag)
			}

			cfg, err := config.LoadServerConfig(configPath, v.GetString(configPasswordFlag))
			if err != nil {
				return err
			}

			logLevel := cfg.Logging.Level
			if logLevel == "" {
				logLevel = "info"
			}
			log, err := newLogger(logLevel, cfg.Logging.File)
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}

			srv, err := server.New(cfg, log)
			if err != nil {
				return err
			}

			if addr := v.GetString(metricsAddrFlag); addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
				metricsSrv := &http.Server{Addr: addr, Handler: mux}
				go func() {
					if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Error(err, "metrics listener exited")
					}
				}()
				defer metricsSrv.Close()
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-sigCh
				log.Info("shutting down")
				srv.Stop()
			}()

			log.Info("listening", "addr", srv.Addr())
			return srv.Serve()
		},
	}

	flags := cmd.Flags()
	flags.String(configPathFlag, "", "path to the server configuration document")
	flags.String(configPasswordFlag, "", "password for an envelope-encrypted configuration document")
	flags.String(metricsAddrFlag, "", "address to serve Prometheus metrics on, e.g. :9090 (disabled if empty)")

	_ = v.BindPFlag(configPathFlag, flags.Lookup(configPathFlag))
	_ = v.BindPFlag(configPasswordFlag, flags.Lookup(configPasswordFlag))
	_ = v.BindPFlag(metricsAddrFlag, flags.Lookup(metricsAddrFlag))
	_ = v.BindEnv(configPathFlag, configPathEnvVar)

	return cmd
}
