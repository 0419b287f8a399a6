package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/STRATINT/digest/internal/config"
	"github.com/STRATINT/digest/internal/database"
	"github.com/STRATINT/digest/internal/ingestion"
	"github.com/STRATINT/digest/internal/models"
	"github.com/STRATINT/digest/internal/scheduler"
	"github.com/STRATINT/digest/internal/server"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadJobWindow(cmd *cobra.Command) (config.Job, models.TimeRange, error) {
	jobPath, _ := cmd.Flags().GetString("job")
	start, _ := cmd.Flags().GetString("start")
	end, _ := cmd.Flags().GetString("end")

	job, err := config.LoadJob(jobPath)
	if err != nil {
		return config.Job{}, models.TimeRange{}, err
	}
	tr, err := timeRange(job, start, end, time.Now())
	if err != nil {
		return config.Job{}, models.TimeRange{}, err
	}
	return job, tr, nil
}

func addWindowFlags(cmd *cobra.Command) {
	cmd.Flags().String("job", "", "Path to the job file (YAML or JSON)")
	cmd.Flags().String("start", "", "Window start (2006-01-02 or RFC3339); defaults to one period before --end")
	cmd.Flags().String("end", "", "Window end (2006-01-02 or RFC3339); defaults to now")
	cmd.MarkFlagRequired("job")
}

func collectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect records from every source of a job without generating a report",
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")

			job, tr, err := loadJobWindow(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			exec := a.executor()
			if !asJSON {
				exec.OnProgress = func(e ingestion.ProgressEvent) {
					fmt.Fprintln(os.Stderr, renderProgress(e))
				}
			}

			result, err := exec.Collect(ctx, job, tr)
			if result != nil {
				if asJSON {
					if encErr := writeJSON(result); encErr != nil {
						return encErr
					}
				} else {
					renderCollection(os.Stdout, result)
				}
			}
			return err
		},
	}
	addWindowFlags(cmd)
	cmd.Flags().Bool("json", false, "Print the aggregate result as JSON")
	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Collect a job's sources and generate its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			if format != "markdown" && format != "json" {
				return fmt.Errorf("unknown --format %q (want markdown or json)", format)
			}

			job, tr, err := loadJobWindow(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close()

			exec := a.executor()
			exec.OnProgress = func(e ingestion.ProgressEvent) {
				fmt.Fprintln(os.Stderr, renderProgress(e))
			}

			result, err := exec.Execute(ctx, job, tr)
			if err != nil {
				if result != nil && result.Collection != nil {
					renderCollection(os.Stderr, result.Collection)
				}
				return err
			}

			if format == "json" {
				return writeJSON(result)
			}
			return renderMarkdown(os.Stdout, result.Report)
		},
	}
	addWindowFlags(cmd)
	cmd.Flags().String("format", "markdown", "Output format: markdown or json")
	return cmd
}

func watchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run jobs on their schedule until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, _ := cmd.Flags().GetStringSlice("job")

			jobs := make([]config.Job, 0, len(paths))
			for _, path := range paths {
				job, err := config.LoadJob(path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				jobs = append(jobs, job)
			}

			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, true)
			if err != nil {
				return err
			}
			defer a.close()

			exec := a.executor()
			run := func(ctx context.Context, job config.Job, tr models.TimeRange) error {
				_, err := exec.Execute(ctx, job, tr)
				return err
			}

			sched, err := scheduler.NewDigestScheduler(jobs, run, a.runs.LatestRun, a.logger)
			if err != nil {
				return err
			}

			if addr := a.cfg.Metrics.ListenAddr; addr != "" {
				checks := map[string]server.HealthFunc{}
				if a.db != nil {
					checks["database"] = func(ctx context.Context) error {
						return database.HealthCheck(ctx, a.db)
					}
				}
				srv := server.New(addr, a.logger, server.NewMux(a.metrics.Handler(), checks))
				go func() {
					if err := srv.Start(); err != nil {
						a.logger.Error("metrics server stopped", "error", err)
						stop()
					}
				}()
				defer srv.Shutdown(context.Background())
			}

			sched.Start(ctx)
			return nil
		},
	}
	cmd.Flags().StringSlice("job", nil, "Job file to schedule (repeatable)")
	cmd.MarkFlagRequired("job")
	return cmd
}

func sourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "List source types, or test the sources of a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			test, _ := cmd.Flags().GetBool("test")
			jobPath, _ := cmd.Flags().GetString("job")
			showSchema, _ := cmd.Flags().GetBool("schema")

			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			if !test {
				for _, key := range a.sources.Keys() {
					entry, _ := a.sources.Lookup(key)
					fmt.Println(registrationLine(key, entry.Active, ""))
					if showSchema && entry.Active {
						raw, err := json.MarshalIndent(entry.Value.ConfigSchema(), "  ", "  ")
						if err != nil {
							return err
						}
						fmt.Printf("  %s\n", raw)
					}
				}
				return nil
			}

			if jobPath == "" {
				return errors.New("--test requires --job")
			}
			job, err := config.LoadJob(jobPath)
			if err != nil {
				return err
			}

			results := a.collection.TestSources(ctx, job.Sources)
			names := make([]string, 0, len(results))
			for name := range results {
				names = append(names, name)
			}
			sort.Strings(names)

			failed := 0
			for _, name := range names {
				if err := results[name]; err != nil {
					failed++
					fmt.Printf("%-20s %s %s\n", name, errorStyle.Render("unreachable"), mutedStyle.Render(err.Error()))
					continue
				}
				fmt.Printf("%-20s %s\n", name, okStyle.Render("ok"))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d sources failed the connection test", failed, len(names))
			}
			return nil
		},
	}
	cmd.Flags().Bool("test", false, "Test connectivity of every enabled source in --job")
	cmd.Flags().Bool("schema", false, "Print each source type's settings schema")
	cmd.Flags().String("job", "", "Job file used by --test")
	return cmd
}

func providersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "List AI providers and, optionally, the models they serve",
		RunE: func(cmd *cobra.Command, args []string) error {
			withModels, _ := cmd.Flags().GetBool("models")

			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			for _, key := range a.providers.Keys() {
				entry, _ := a.providers.Lookup(key)
				fmt.Println(registrationLine(key, entry.Active, entry.Metadata["kind"]))
				if !withModels || !entry.Active {
					continue
				}
				available, err := a.processor.AvailableModels(ctx, a.providerConfig(key, "", ""))
				if err != nil {
					fmt.Printf("  %s\n", warningStyle.Render(err.Error()))
					continue
				}
				fmt.Printf("  %s\n", strings.Join(available, ", "))
			}
			return nil
		},
	}
	cmd.Flags().Bool("models", false, "Query each provider for its available models")
	return cmd
}

func testProviderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test-provider",
		Short: "Send a canary request to an AI provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("provider")
			model, _ := cmd.Flags().GetString("model")
			baseURL, _ := cmd.Flags().GetString("base-url")

			ctx, stop := signalContext()
			defer stop()

			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close()

			cfg := a.providerConfig(name, model, baseURL)
			reachable := a.processor.ValidateConnection(ctx, cfg)
			result := a.processor.TestProvider(ctx, cfg)

			fmt.Printf("provider:   %s\n", result.Provider)
			if result.Model != "" {
				fmt.Printf("model:      %s\n", result.Model)
			}
			fmt.Printf("reachable:  %t\n", reachable)
			fmt.Printf("latency:    %dms\n", result.LatencyMs)
			if !result.Success {
				fmt.Printf("result:     %s %s\n", errorStyle.Render(string(result.Code)), result.Error)
				return fmt.Errorf("provider %s failed the canary request", result.Provider)
			}
			fmt.Printf("result:     %s %s\n", okStyle.Render("ok"), mutedStyle.Render(result.Response))
			return nil
		},
	}
	cmd.Flags().String("provider", "", "Provider name (defaults to DIGEST_AI_PROVIDER)")
	cmd.Flags().String("model", "", "Model to test")
	cmd.Flags().String("base-url", "", "Override the provider endpoint")
	return cmd
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
