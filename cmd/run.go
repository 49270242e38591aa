package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sentienceapi/sentience-go/pkg/ai"
	"github.com/sentienceapi/sentience-go/pkg/artifacts"
	"github.com/sentienceapi/sentience-go/pkg/browser"
	"github.com/sentienceapi/sentience-go/pkg/config"
	"github.com/sentienceapi/sentience-go/pkg/snapshot"
	"github.com/sentienceapi/sentience-go/pkg/tools"
	"github.com/sentienceapi/sentience-go/pkg/trace"
	"github.com/sentienceapi/sentience-go/pkg/verify"
)

func newRunCmd() *cobra.Command {
	var (
		url        string
		expect     string
		goal       string
		configPath string
		timeoutMs  int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive a page and verify an expected outcome",
		Long: `Open a page, take snapshots through the verification engine, and
check that the expected text eventually appears.

On a failed required check the pre-roll frames, step log, snapshot, and
manifest are persisted under the artifacts output directory.

Example:
  sentience run --url https://example.com --expect "Example Domain"
  sentience run --url https://app.local/checkout --expect "Order confirmed" --timeout 30000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				return fmt.Errorf("--url is required")
			}
			if expect == "" {
				return fmt.Errorf("--expect text is required")
			}
			if goal == "" {
				goal = fmt.Sprintf("verify %q on %s", expect, url)
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger := newLogger()

			tracer, err := trace.NewFileTracer(cfg.Trace.Dir, logger)
			if err != nil {
				return fmt.Errorf("failed to open tracer: %w", err)
			}
			defer tracer.Close()

			page, cleanup, err := browser.Launch(browser.LaunchConfig{
				Width:   cfg.Browser.Viewport.Width,
				Height:  cfg.Browser.Viewport.Height,
				URL:     url,
				Headful: !cfg.Browser.Headless,
			}, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			buffer, err := artifacts.NewBuffer(tracer.RunID(), artifacts.Options{
				BufferSeconds:        cfg.Artifacts.BufferSeconds,
				CaptureOnAction:      cfg.Artifacts.CaptureOnAction,
				FPS:                  cfg.Artifacts.FPS,
				PersistMode:          artifacts.PersistMode(cfg.Artifacts.PersistMode),
				OutputDir:            cfg.Artifacts.OutputDir,
				RedactSnapshotValues: cfg.Artifacts.RedactSnapshotValues,
				Clip: artifacts.ClipOptions{
					Mode:    artifacts.ClipMode(cfg.Artifacts.Clip.Mode),
					FPS:     cfg.Artifacts.Clip.FPS,
					Seconds: cfg.Artifacts.Clip.Seconds,
				},
			}, nil, logger)
			if err != nil {
				return err
			}
			defer buffer.Cleanup()

			stopCapture := buffer.StartTimedCapture(func() ([]byte, string, error) {
				data, err := page.Screenshot("jpeg", 40)
				return data, "jpeg", err
			})
			defer stopCapture()

			snapshotter := browser.NewSnapshotter(logger)
			var vision ai.VisionProvider
			if cfg.AI.APIKey != "" {
				vision = ai.NewClaudeVision(cfg.AI.APIKey, cfg.AI.Model)
			}

			engine, err := verify.NewEngine(verify.Config{
				Page: page,
				Snapshot: func(p browser.Page, opts snapshot.Options) (*snapshot.Snapshot, error) {
					return snapshotter.Take(p, opts)
				},
				Tracer: tracer,
				Buffer: buffer,
				Vision: vision,
				Logger: logger,
			})
			if err != nil {
				return err
			}
			engine.SetCaptchaOptions(&verify.CaptchaOptions{
				Policy:               verify.CaptchaPolicy(cfg.Captcha.Policy),
				MinConfidence:        cfg.Captcha.MinConfidence,
				TimeoutMs:            cfg.Captcha.TimeoutMs,
				PollMs:               cfg.Captcha.PollMs,
				MaxRetriesNewSession: cfg.Captcha.MaxRetriesNewSession,
			})

			registry := tools.NewRegistry(logger)
			if err := tools.RegisterBrowserTools(registry); err != nil {
				return err
			}
			runtime := &tools.BrowserRuntime{Page: page, Engine: engine}

			start := time.Now()
			stepID := engine.BeginStep(goal)
			if _, err := registry.Execute("snapshot", nil, &tools.CallContext{
				Tracer:  tracer,
				StepID:  stepID,
				Runtime: runtime,
			}); err != nil {
				engine.EmitStepEnd(verify.StepEndOptions{Error: err.Error(), DurationMs: time.Since(start).Milliseconds()})
				return err
			}

			if timeoutMs <= 0 {
				timeoutMs = cfg.Eventually.TimeoutMs
			}
			passed, err := engine.Check(verify.TextVisible(expect), "expect:"+expect, true).
				Eventually(verify.EventuallyOptions{
					TimeoutMs:           timeoutMs,
					PollMs:              cfg.Eventually.PollMs,
					MinConfidence:       cfg.Eventually.MinConfidence,
					MaxSnapshotAttempts: cfg.Eventually.MaxSnapshotAttempts,
				})
			if err != nil {
				engine.EmitStepEnd(verify.StepEndOptions{Error: err.Error(), DurationMs: time.Since(start).Milliseconds()})
				return err
			}
			if passed {
				engine.AssertDone(verify.TextVisible(expect), "goal reached")
			}
			engine.EmitStepEnd(verify.StepEndOptions{
				DurationMs: time.Since(start).Milliseconds(),
				Attempt:    1,
			})

			if buffer.Mode() == artifacts.PersistAlways {
				status := "success"
				if !passed {
					status = "failure"
				}
				// Idempotent: a failure-path persist above wins.
				if _, err := buffer.Persist("run_complete", status, engine.LastSnapshot(), nil, nil); err != nil {
					logger.Warn().Err(err).Msg("final persist failed")
				}
			}

			if !passed {
				return fmt.Errorf("verification failed: %q not reached (trace: %s)", expect, tracer.Path())
			}
			logger.Info().Str("trace", tracer.Path()).Msg("verification passed")
			return nil
		},
	}

	cmd.Flags().StringVarP(&url, "url", "u", "", "Page URL to open (required)")
	cmd.Flags().StringVarP(&expect, "expect", "e", "", "Text that must eventually be visible (required)")
	cmd.Flags().StringVarP(&goal, "goal", "g", "", "Step goal description")
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path")
	cmd.Flags().IntVarP(&timeoutMs, "timeout", "t", 0, "Eventually timeout in milliseconds")

	return cmd
}

// newLogger builds the CLI console logger.
func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
}
