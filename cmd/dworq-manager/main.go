package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cuemby/dworq/pkg/log"
	"github.com/cuemby/dworq/pkg/manager"
	"github.com/cuemby/dworq/pkg/metrics"
	"github.com/cuemby/dworq/pkg/scheduler"
	"github.com/cuemby/dworq/pkg/types"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dworq-manager",
	Short: "dworq - a distributed worker-pool task-dispatch manager",
	Long: `dworq-manager runs the single-threaded, cooperative task-dispatch
manager: workers connect over a line-oriented TCP protocol, submit and
retrieve tasks through the embedding program's Go API, and the manager
schedules, retries, and reports on them.`,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)

	runCmd.Flags().Int("port", 9123, "listen port")
	runCmd.Flags().String("name", "dworq", "project name reported to the catalog and status queries")
	runCmd.Flags().String("catalog", "", "comma-separated catalog server URLs to report to")
	runCmd.Flags().Int("max-workers", 0, "minimum connected workers before dispatch begins (0: dispatch as soon as any worker connects)")
	runCmd.Flags().Duration("keepalive-interval", 30*time.Second, "interval between keepalive checks sent to idle workers")
	runCmd.Flags().Duration("keepalive-timeout", 30*time.Second, "disconnect a worker silent for longer than this")
	runCmd.Flags().Float64("overcommit", 1.0, "overcommit multiplier applied to cores/memory/gpus")
	runCmd.Flags().String("policy", string(scheduler.PolicyFCFS), "scheduling policy: fcfs, files, time, worst-fit")
	runCmd.Flags().Bool("force-proportional", false, "force proportional box-sizing for every category")
	runCmd.Flags().Float64("fast-abort-multiplier", 10, "default category fast-abort multiplier")
	runCmd.Flags().String("config", "", "optional YAML file describing category definitions")
	runCmd.Flags().String("metrics-addr", "", "address to serve /metrics, /health, /ready, /live on (empty: disabled)")

	statusCmd.Flags().String("manager", "127.0.0.1:9123", "manager address")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	if os.Getenv("DWORQ_DEBUG") != "" {
		logLevel = string(log.DebugLevel)
	}
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the manager, accepting worker connections and driving the WaitLoop",
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetInt("port")
		name, _ := cmd.Flags().GetString("name")
		catalog, _ := cmd.Flags().GetString("catalog")
		maxWorkers, _ := cmd.Flags().GetInt("max-workers")
		keepaliveInterval, _ := cmd.Flags().GetDuration("keepalive-interval")
		keepaliveTimeout, _ := cmd.Flags().GetDuration("keepalive-timeout")
		overcommit, _ := cmd.Flags().GetFloat64("overcommit")
		policy, _ := cmd.Flags().GetString("policy")
		forceProportional, _ := cmd.Flags().GetBool("force-proportional")
		fastAbortMultiplier, _ := cmd.Flags().GetFloat64("fast-abort-multiplier")
		configPath, _ := cmd.Flags().GetString("config")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		if envPort := os.Getenv("DWORQ_PORT"); envPort != "" {
			if p, err := strconv.Atoi(envPort); err == nil {
				port = p
			}
		}

		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			return fmt.Errorf("failed to listen on port %d: %w", port, err)
		}

		if certFile, keyFile := os.Getenv("DWORQ_TLS_CERT"), os.Getenv("DWORQ_TLS_KEY"); certFile != "" && keyFile != "" {
			tlsListener, err := wrapTLS(listener, certFile, keyFile)
			if err != nil {
				return fmt.Errorf("failed to configure TLS: %w", err)
			}
			listener = tlsListener
		}
		metrics.RegisterComponent("listener", true, "")

		mgr := manager.New(manager.Config{
			ProjectName:                name,
			Port:                       port,
			KeepaliveInterval:          keepaliveInterval,
			KeepaliveTimeout:           keepaliveTimeout,
			WaitForWorkers:             maxWorkers,
			OvercommitMultiplier:       overcommit,
			ForceProportionalBoxing:    forceProportional,
			SchedulingPolicy:           scheduler.Policy(policy),
			CatalogHosts:               splitNonEmpty(catalog),
			DefaultFastAbortMultiplier: fastAbortMultiplier,
		}, listener)

		if configPath != "" {
			if err := loadCategoryConfig(mgr, configPath); err != nil {
				return fmt.Errorf("failed to load category config: %w", err)
			}
		}

		log.Logger.Info().Int("port", port).Str("name", name).Msg("manager listening")

		go mgr.Run()
		metrics.RegisterComponent("waitloop", true, "")

		if metricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			mux.Handle("/health", metrics.HealthHandler())
			mux.Handle("/ready", metrics.ReadyHandler())
			mux.Handle("/live", metrics.LivenessHandler())
			go func() {
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					log.Logger.Warn().Err(err).Msg("metrics server exited")
				}
			}()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Logger.Info().Msg("shutting down")
		mgr.Stop()
		return nil
	},
}

// categoryConfig mirrors the YAML shape a --config file describes: one
// entry per category, matching types.Category's allocation fields.
type categoryConfig struct {
	Categories []struct {
		Name                string `yaml:"name"`
		Mode                string `yaml:"mode"`
		Min                 resourcesConfig `yaml:"min"`
		Max                 resourcesConfig `yaml:"max"`
		First               resourcesConfig `yaml:"first"`
		FastAbortMultiplier float64         `yaml:"fast_abort_multiplier"`
	} `yaml:"categories"`
}

type resourcesConfig struct {
	Cores  int64 `yaml:"cores"`
	Memory int64 `yaml:"memory"`
	Disk   int64 `yaml:"disk"`
	GPUs   int64 `yaml:"gpus"`
}

func loadCategoryConfig(mgr *manager.Manager, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cfg categoryConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return err
	}
	for _, c := range cfg.Categories {
		mgr.DefineCategory(types.Category{
			Name:                c.Name,
			Mode:                types.AllocationMode(c.Mode),
			Min:                 types.Resources(c.Min),
			Max:                 types.Resources(c.Max),
			First:               types.Resources(c.First),
			FastAbortMultiplier: c.FastAbortMultiplier,
		})
	}
	return nil
}

// wrapTLS upgrades a plain listener to TLS using a certificate/key pair from
// disk; the manager itself stays transport-agnostic and only ever sees a
// net.Listener.
func wrapTLS(l net.Listener, certFile, keyFile string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(l, &tls.Config{Certificates: []tls.Certificate{cert}}), nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running manager's HTTP status endpoint and print a table",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("manager")
		resp, err := http.Get(fmt.Sprintf("http://%s/queue_status", addr))
		if err != nil {
			return fmt.Errorf("failed to reach manager: %w", err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		var records []map[string]interface{}
		if err := json.Unmarshal(bytes.TrimSpace(body), &records); err != nil {
			return fmt.Errorf("failed to parse status response: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("No status record returned")
			return nil
		}
		r := records[0]
		fmt.Printf("Project:            %v\n", r["project"])
		fmt.Printf("Port:               %v\n", r["port"])
		fmt.Printf("Workers connected:  %v\n", r["workers_connected"])
		fmt.Printf("Tasks waiting:      %v\n", r["tasks_waiting"])
		fmt.Printf("Tasks running:      %v\n", r["tasks_running"])
		fmt.Printf("Capacity (tasks):   %v\n", r["capacity_tasks"])
		fmt.Printf("Capacity (cores):   %v\n", r["capacity_cores"])
		return nil
	},
}
