// Command device-analyzer runs incremental LLM analysis over per-device chat history.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/theimaginaryfoundation/incremental-analyzer/analysis"
	"github.com/theimaginaryfoundation/incremental-analyzer/analysis/fileutils"
)

// errKeysFailed marks a run where at least one key failed; the process exits non-zero.
var errKeysFailed = errors.New("some keys failed")

type rootOptions struct {
	configPath string
	noColor    bool
	verbose    bool
}

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	opts := &rootOptions{}
	v := newViper()

	root := &cobra.Command{
		Use:   "device-analyzer",
		Short: "Incremental chat-history analysis per device",
		Long: `device-analyzer sends each device's unprocessed chat records to an LLM,
merges the findings into a per-device result and remembers the last processed record.

Commands:
  analyze   Analyze new records for one or more devices
  status    List devices with their checkpoint and result state
  show      Print a device's accumulated result`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			if opts.configPath != "" {
				v.SetConfigFile(opts.configPath)
			}
		},
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "config file (default .device-analyzer.yaml in . or $HOME)")
	pf.BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "print per-key log and state events")
	pf.String("log-level", DefaultLogLevel, "log level (trace, debug, info, warn, error, off)")
	pf.String("log-format", DefaultLogFormat, "log format (console, json)")
	_ = v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("log.format", pf.Lookup("log-format"))

	root.AddCommand(newAnalyzeCommand(v, opts))
	root.AddCommand(newStatusCommand(v, opts))
	root.AddCommand(newShowCommand(v, opts))
	return root
}

func newAnalyzeCommand(v *viper.Viper, opts *rootOptions) *cobra.Command {
	var (
		keys []string
		all  bool
	)
	cmd := &cobra.Command{
		Use:   "analyze (--key K ... | --all)",
		Short: "Analyze new records for the given devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if all == (len(keys) > 0) {
				return errors.New("pass exactly one of --key or --all")
			}
			cfg, err := LoadConfig(v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAnalyze(ctx, cmd.OutOrStdout(), cfg, opts, keys, all)
		},
	}

	f := cmd.Flags()
	f.StringSliceVarP(&keys, "key", "k", nil, "device key (MAC address) to analyze; repeatable")
	f.BoolVar(&all, "all", false, "analyze every device known to the source")
	f.Int("concurrency", DefaultConcurrency, "devices processed at once (1-10)")
	f.Int("max-retries", DefaultMaxRetries, "attempts per chunk (1-10)")
	f.Int("api-timeout", DefaultAPITimeoutSeconds, "per-call timeout in seconds (10-300)")
	f.Int("max-chunk-chars", DefaultMaxChunkChars, "max characters per LLM request")
	f.String("model", DefaultModel, "model name")
	f.String("metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	for flag, key := range map[string]string{
		"concurrency":     "engine.concurrency",
		"max-retries":     "engine.max_retries",
		"api-timeout":     "engine.api_timeout_seconds",
		"max-chunk-chars": "engine.max_chunk_chars",
		"model":           "llm.model",
		"metrics-addr":    "metrics.addr",
	} {
		_ = v.BindPFlag(key, f.Lookup(flag))
	}
	return cmd
}

func runAnalyze(ctx context.Context, out io.Writer, cfg *Config, opts *rootOptions, keys []string, all bool) error {
	log := newLogger(cfg.Log)
	if !fileutils.FileExists(cfg.State.CheckpointPath) {
		log.Info().Str("path", cfg.State.CheckpointPath).Msg("no checkpoint file yet, every record is new")
	}

	cps, res, err := openStores(cfg.State)
	if err != nil {
		return err
	}
	client, err := newAnalyzer(cfg)
	if err != nil {
		return err
	}
	src, closeSrc, err := openSource(ctx, cfg.Source)
	if err != nil {
		return err
	}
	defer closeSrc()

	targets := make([]analysis.Key, 0, len(keys))
	for _, k := range keys {
		targets = append(targets, analysis.Key(k))
	}
	if all {
		if targets, err = src.Keys(ctx); err != nil {
			return err
		}
	}
	if len(targets) == 0 {
		fmt.Fprintln(out, "no devices to analyze")
		return nil
	}

	reg, metrics := newRegistry()
	if cfg.Metrics.Addr != "" {
		stopMetrics, err := serveMetrics(ctx, cfg.Metrics.Addr, reg, &log)
		if err != nil {
			return err
		}
		defer stopMetrics()
	}

	engine, err := newEngine(cfg, client, cps, res, metrics, &log)
	if err != nil {
		return err
	}

	run := engine.RunSource(ctx, src, targets)
	obs := newObserver(out, opts.noColor, opts.verbose)
	obs.consume(run.Events())
	summary := run.Wait()

	renderSummary(out, summary, obs.p)
	if summary.Failed > 0 {
		return fmt.Errorf("%w: %d of %d", errKeysFailed, summary.Failed, summary.Failed+summary.Success)
	}
	return nil
}

func newStatusCommand(v *viper.Viper, opts *rootOptions) *cobra.Command {
	var fromSource bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List devices with their last processed id and result state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(v)
			if err != nil {
				return err
			}
			cps, res, err := openStores(cfg.State)
			if err != nil {
				return err
			}
			var extra []analysis.Key
			if fromSource {
				src, closeSrc, err := openSource(cmd.Context(), cfg.Source)
				if err != nil {
					return err
				}
				defer closeSrc()
				if extra, err = src.Keys(cmd.Context()); err != nil {
					return err
				}
			}
			renderStatus(cmd.OutOrStdout(), collectStatus(cps, res, extra), newPalette(opts.noColor), time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromSource, "from-source", false, "include every device known to the source")
	return cmd
}

func newShowCommand(v *viper.Viper, opts *rootOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Print a device's accumulated result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(v)
			if err != nil {
				return err
			}
			cps, res, err := openStores(cfg.State)
			if err != nil {
				return err
			}
			key := analysis.Key(args[0])
			if !res.Has(key) {
				return fmt.Errorf("no result for %s", key)
			}
			doc := newShowDocument(key, cps.Get(key), res.UpdatedAt(key), res.Get(key))
			return renderShow(cmd.OutOrStdout(), doc, format, newPalette(opts.noColor))
		},
	}
	cmd.Flags().StringVarP(&format, "format", "o", "text", "output format (text, json, yaml)")
	return cmd
}
