package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/taskbroker/internal/config"
	"github.com/JakeFAU/taskbroker/internal/fetcher"
	collyfetcher "github.com/JakeFAU/taskbroker/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/taskbroker/internal/fetcher/headless"
	"github.com/JakeFAU/taskbroker/internal/headless/detector"
	"github.com/JakeFAU/taskbroker/internal/id/uuid"
	"github.com/JakeFAU/taskbroker/internal/metrics"
	"github.com/JakeFAU/taskbroker/internal/policy/ratelimit"
	"github.com/JakeFAU/taskbroker/internal/worker"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a fetch worker against a broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if err := e.cfg.ValidateWorker(); err != nil {
				return err
			}
			wc := e.cfg.Worker
			clientID := wc.ID
			if clientID == "" {
				if clientID, err = uuid.New().NewID(); err != nil {
					return err
				}
			}
			logger := e.logger.Named("worker").With(zap.String("client_id", clientID))
			metrics.Init()

			fetchers, err := buildFetchers(wc)
			if err != nil {
				return err
			}
			defer fetchers.close()

			client := worker.NewClient(wc.BrokerURL, wc.APIKey, nil)
			handler := worker.NewFetchHandler(worker.FetchConfig{
				Artifacts: client,
				Primary:   fetchers.primary,
				Headless:  fetchers.headless,
				Detector:  fetchers.detector,
				Limiter: ratelimit.New(ratelimit.Config{
					DefaultRPS:   wc.RateLimitRPS,
					DefaultBurst: wc.RateLimitBurst,
				}),
				Logger: logger,
			})
			controller := worker.NewController(client, handler, worker.ControllerConfig{
				ClientID:     clientID,
				Namespace:    wc.Namespace,
				Variant:      wc.Variant,
				Concurrency:  wc.Concurrency,
				Capabilities: wc.Capabilities,
				Logger:       logger,
			})
			runner := worker.NewRunner(client, controller, worker.RunnerConfig{
				ClientID:     clientID,
				ReconnectMin: wc.ReconnectMin,
				ReconnectMax: wc.ReconnectMax,
				Logger:       logger,
			})
			logger.Info("worker starting",
				zap.String("broker", wc.BrokerURL),
				zap.String("variant", wc.Variant),
				zap.String("fetcher", wc.Fetcher),
				zap.Int("concurrency", wc.Concurrency),
			)
			return runner.Run(cmd.Context())
		},
	}
}

type fetcherSet struct {
	primary  fetcher.Fetcher
	headless fetcher.Fetcher
	detector fetcher.Detector
	close    func()
}

// buildFetchers picks the page fetchers for the configured mode. Auto uses
// Colly for every page and re-renders the ones the detector flags.
func buildFetchers(wc config.WorkerConfig) (fetcherSet, error) {
	set := fetcherSet{close: func() {}}
	plain := collyfetcher.New(collyfetcher.Config{
		UserAgent: wc.UserAgent,
		Timeout:   wc.RequestTimeout,
	})
	if wc.Fetcher == "http" {
		set.primary = plain
		return set, nil
	}

	browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       wc.Concurrency,
		UserAgent:         wc.UserAgent,
		NavigationTimeout: wc.RequestTimeout,
		ExecPath:          wc.ChromePath,
	})
	if err != nil {
		return set, fmt.Errorf("init headless fetcher: %w", err)
	}
	set.close = browser.Close
	switch wc.Fetcher {
	case "headless":
		set.primary = browser
	case "auto":
		set.primary = plain
		set.headless = browser
		set.detector = detector.NewHeuristic(wc.PromoteBelowBytes)
	default:
		browser.Close()
		return fetcherSet{close: func() {}}, fmt.Errorf("unknown fetcher mode: %s", wc.Fetcher)
	}
	return set, nil
}
