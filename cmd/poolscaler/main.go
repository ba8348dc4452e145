/*
Copyright 2025 The Aibrix Team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/vllm-project/poolscaler/pkg/config"
)

const (
	envControlPlaneToken  = "POOLSCALER_CONTROLPLANE_TOKEN"
	envPrometheusPassword = "POOLSCALER_PROMETHEUS_PASSWORD"
	envRedisPassword      = "POOLSCALER_REDIS_PASSWORD"
)

var configPath string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		klog.ErrorS(err, "poolscaler failed")
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "poolscaler",
		Short:         "Scales resource pools along a capacity ladder based on sustained utilization",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/poolscaler/config.yaml", "Path to the configuration file.")

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	root.AddCommand(newRunCommand(), newOnceCommand(), newValidateCommand())
	return root
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run scaling cycles on the configured interval until terminated",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			go func() {
				klog.Infof("Starting status server on %s", a.server.Addr)
				if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					klog.ErrorS(err, "Status server failed")
					stop()
				}
			}()

			a.runner.Start(ctx)

			klog.Warning("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		},
	}
}

func newOnceCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single scaling cycle, print its summary and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			summary, err := a.runner.RunOnce(ctx)
			if summary != nil {
				out, marshalErr := json.MarshalIndent(summary, "", "  ")
				if marshalErr != nil {
					return marshalErr
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
			}
			return err
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration is valid: %d pools, floor %v, ceiling %v\n",
				len(cfg.Pools), cfg.Floor, cfg.Ceiling)
			return nil
		},
	}
}

// loadConfig reads the configuration file and fills secrets from the environment.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	cfg.ControlPlane.Token = os.Getenv(envControlPlaneToken)
	cfg.Prometheus.Password = os.Getenv(envPrometheusPassword)
	if cfg.Redis != nil {
		cfg.Redis.Password = os.Getenv(envRedisPassword)
	}
	return cfg, nil
}
