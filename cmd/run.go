package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/dsi-pipeline/internal/model"
)

var (
	runClientID          string
	runKeywords          []string
	runRegions           []string
	runContentTypes      []string
	runOwnedDomain       string
	runCompetitorDomains []string
	runMode              string
	runWait              bool
	runPollInterval      time.Duration
)

// writeRun JSON-encodes a PipelineRun to w.
func writeRun(w *os.File, run *model.PipelineRun) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(run)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a pipeline run for one client",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx, "pipeline")
		if err != nil {
			return err
		}
		defer env.Close()

		if runClientID == "" {
			return eris.New("run: --client-id is required")
		}
		if len(runContentTypes) == 0 {
			runContentTypes = []string{string(model.ContentTypeOrganic), string(model.ContentTypeNews), string(model.ContentTypeVideo)}
		}
		if len(runRegions) == 0 {
			runRegions = []string{"us"}
		}

		pipelineCfg := model.PipelineConfig{
			ClientID:          runClientID,
			Keywords:          runKeywords,
			Regions:           runRegions,
			ContentTypes:      runContentTypes,
			OwnedDomain:       runOwnedDomain,
			CompetitorDomains: runCompetitorDomains,
		}

		mode := model.RunMode(runMode)
		if mode == "" {
			mode = model.RunModeManual
		}

		run, err := env.Service.Start(ctx, mode, pipelineCfg)
		if err != nil {
			return eris.Wrap(err, "start run")
		}

		zap.L().Info("pipeline run started",
			zap.String("run_id", run.ID.String()),
			zap.String("client_id", runClientID),
		)

		if !runWait {
			return writeRun(os.Stdout, run)
		}

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(runPollInterval):
			}

			current, err := env.Store.GetRun(ctx, run.ID)
			if err != nil {
				return eris.Wrap(err, "poll run")
			}
			if current.Status.Terminal() {
				return writeRun(os.Stdout, current)
			}
		}
	},
}

func init() {
	runCmd.Flags().StringVar(&runClientID, "client-id", "", "client identifier the run belongs to (required)")
	runCmd.Flags().StringSliceVar(&runKeywords, "keywords", nil, "comma-separated seed keywords")
	runCmd.Flags().StringSliceVar(&runRegions, "regions", nil, "comma-separated two-letter region codes (default: us)")
	runCmd.Flags().StringSliceVar(&runContentTypes, "content-types", nil, "comma-separated content types: organic,news,video")
	runCmd.Flags().StringVar(&runOwnedDomain, "owned-domain", "", "the client's own domain, excluded from competitor rankings")
	runCmd.Flags().StringSliceVar(&runCompetitorDomains, "competitor-domains", nil, "comma-separated known competitor domains")
	runCmd.Flags().StringVar(&runMode, "mode", string(model.RunModeManual), "run mode: batch, scheduled, manual, testing")
	runCmd.Flags().BoolVar(&runWait, "wait", false, "block until the run reaches a terminal status, then print it")
	runCmd.Flags().DurationVar(&runPollInterval, "poll-interval", 5*time.Second, "polling interval when --wait is set")

	rootCmd.AddCommand(runCmd)
}
