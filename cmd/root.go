package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cstorm/internal/banner"
	"cstorm/internal/cli"
	"cstorm/internal/config"
	"cstorm/internal/dimse"
	"cstorm/internal/driver"
	"cstorm/internal/dummy"
	"cstorm/internal/logger"
	"cstorm/internal/storage"
	"cstorm/internal/tui"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	useUI     bool
	noProbe   bool
)

var rootCmd = &cobra.Command{
	Use:   "cstorm",
	Short: "cstorm - DICOM C-STORE load testing tool",
	Long: `
cstorm drives concurrent C-STORE senders against a DICOM listener at a
controlled rate, collects latency/throughput/error metrics and passes or
fails the run against configured thresholds.`,
}

func Execute() {
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		fmt.Println(banner.GetString())
		cmd.Usage()
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(cli.ExitError)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.cstorm.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "console", "log format (console|json)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(receiverCmd)
	rootCmd.AddCommand(historyCmd)

	f := runCmd.Flags()
	f.String("target-host", "", "Listener host (required)")
	f.Int("target-port", 11112, "Listener port")
	f.String("target-identity", "COMPASS", "Called AE title")
	f.String("local-identity", "CSTORM_SCU", "Calling AE title")
	f.Float64("rate", 50, "Target send rate (ops/sec)")
	f.IntP("concurrency", "c", 8, "Worker count")
	f.IntP("duration", "d", 0, "Run duration in seconds (exclusive with --count)")
	f.IntP("count", "n", 0, "Total send count (exclusive with --duration)")
	f.Int("timeout-ms", 5000, "Per-call timeout in milliseconds")
	f.Int("retries", 0, "Extra attempts for transient failures")
	f.Float64("max-error-rate", 0.02, "Pass/fail: max error rate fraction")
	f.Float64("max-p95-ms", 2000, "Pass/fail: max p95 latency in ms")
	f.String("data", "", "Dataset root directory (required)")
	f.Int("sample", 0, "Sample N payloads from the catalog (0 = all)")
	f.Int64("seed", 1, "Sampling seed")
	f.BoolVar(&useUI, "ui", false, "Show the live dashboard instead of the progress line")
	f.BoolVar(&noProbe, "no-probe", false, "Skip the pre-run C-ECHO probe")

	bind := map[string]string{
		"targetHost":      "target-host",
		"targetPort":      "target-port",
		"targetIdentity":  "target-identity",
		"localIdentity":   "local-identity",
		"targetRate":      "rate",
		"concurrency":     "concurrency",
		"durationSeconds": "duration",
		"totalCount":      "count",
		"timeoutMs":       "timeout-ms",
		"retryCount":      "retries",
		"maxErrorRate":    "max-error-rate",
		"maxP95LatencyMs": "max-p95-ms",
		"dataRoot":        "data",
		"sampleCount":     "sample",
		"sampleSeed":      "seed",
	}
	for key, flag := range bind {
		viper.BindPFlag(key, f.Lookup(flag))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigType("yaml")
			viper.SetConfigName(".cstorm")
		}
	}
	viper.SetEnvPrefix("CSTORM")
	viper.AutomaticEnv()
	config.SetDefaults(viper.GetViper())
	viper.ReadInConfig()
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one load run and report pass/fail",
	Run: func(cmd *cobra.Command, args []string) {
		logger.Init(logLevel, logFormat)

		cfg, err := config.FromViper(viper.GetViper())
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			log.Error().Err(err).Msg("invalid configuration")
			os.Exit(cli.ExitError)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client := dimse.NewClient(cfg.TargetHost, cfg.TargetPort, cfg.TargetIdentity, cfg.LocalIdentity)
		var prober driver.Prober
		if !noProbe {
			prober = client
		}
		drv := driver.New(cfg, client, prober)

		store := openStore()

		var code int
		if useUI {
			code = runWithUI(ctx, cfg, drv, store)
		} else {
			code = cli.Run(ctx, cfg, drv, store)
		}
		if store != nil {
			store.Close()
		}
		os.Exit(code)
	},
}

func runWithUI(ctx context.Context, cfg config.Config, drv *driver.Driver, store *storage.Store) int {
	m := tui.NewModel(ctx, cfg, drv)
	p := tea.NewProgram(m, tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		log.Error().Err(err).Msg("dashboard error")
		return cli.ExitError
	}
	verdict, err := final.(*tui.Model).Verdict()
	if err != nil {
		log.Error().Err(err).Msg("run aborted")
		return cli.ExitError
	}
	return cli.Summarize(cfg, verdict, drv.Collector().ErrorCounts(), store)
}

func openStore() *storage.Store {
	path, err := storage.DefaultPath()
	if err != nil {
		log.Warn().Err(err).Msg("run history disabled")
		return nil
	}
	store, err := storage.Open(path)
	if err != nil {
		log.Warn().Err(err).Msg("run history disabled")
		return nil
	}
	return store
}

var receiverCmd = &cobra.Command{
	Use:   "receiver",
	Short: "Run a built-in C-STORE receiver for smoke testing",
	Run: func(cmd *cobra.Command, args []string) {
		logger.Init(logLevel, logFormat)
		port, _ := cmd.Flags().GetInt("port")
		aet, _ := cmd.Flags().GetString("aet")
		rejectEvery, _ := cmd.Flags().GetInt("reject-every")
		err := dummy.Start(dummy.ServerConfig{Port: port, AETitle: aet, RejectEvery: rejectEvery})
		if err != nil {
			log.Error().Err(err).Msg("receiver failed")
			os.Exit(cli.ExitError)
		}
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List archived runs",
	Run: func(cmd *cobra.Command, args []string) {
		logger.Init(logLevel, logFormat)
		store := openStore()
		if store == nil {
			os.Exit(cli.ExitError)
		}
		defer store.Close()
		recs, err := store.List()
		if err != nil {
			log.Error().Err(err).Msg("could not read history")
			os.Exit(cli.ExitError)
		}
		cli.PrintHistory(recs)
	},
}

func init() {
	receiverCmd.Flags().IntP("port", "p", 11112, "Port to listen on")
	receiverCmd.Flags().String("aet", "COMPASS", "AE title to answer as")
	receiverCmd.Flags().Int("reject-every", 0, "Reject every Nth store (0 = never)")
}
