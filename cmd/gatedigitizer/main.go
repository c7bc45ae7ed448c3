package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"

	"gatedigitizer/pkg/config"
	"gatedigitizer/pkg/digitizer"
	"gatedigitizer/pkg/hits"
	"gatedigitizer/pkg/logging"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "digitizer.yaml", "Configuration file (YAML or TOML)")
	hitsPath := flag.String("hits", "", "Hits file produced by the simulation")
	outputDir := flag.String("output", "", "Output directory (overrides output.directory)")
	numWorkers := flag.Int("workers", 0, "Number of workers (default: processing.num_workers)")
	writeDefault := flag.String("write-default-config", "", "Write a default configuration to this path and exit")
	verbose := flag.Bool("verbose", false, "Log debug messages")
	flag.Parse()

	if *writeDefault != "" {
		if err := config.CreateDefaultConfigFile(*writeDefault); err != nil {
			log.Fatalf("Failed to write default configuration: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *writeDefault)
		return
	}

	// Validate inputs
	if *hitsPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *outputDir != "" {
		cfg.Output.Directory = *outputDir
	}
	if *numWorkers > 0 {
		cfg.Processing.NumWorkers = *numWorkers
	}
	if *verbose {
		cfg.Logging.Verbose = true
	}

	logger := logging.New(cfg.Logging)
	defer logger.Close()

	fmt.Println("================================")
	fmt.Println("GATE DIGITIZER: HITS TO SINGLES AND PROJECTIONS")
	fmt.Printf("Chain: %v\n", cfg.Stages)
	fmt.Println("================================")

	resolver, err := digitizer.BuildResolver(cfg)
	if err != nil {
		log.Fatalf("Failed to build geometry: %v", err)
	}
	pipeline, err := digitizer.NewPipeline(cfg, resolver, logger)
	if err != nil {
		log.Fatalf("Invalid digitizer configuration: %v", err)
	}

	src, err := hits.OpenFile(*hitsPath, cfg.Processing.BatchSize)
	if err != nil {
		log.Fatalf("Failed to open hits: %v", err)
	}
	defer src.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Digitizing %s with %d workers...\n", *hitsPath, cfg.Processing.NumWorkers)
	res, err := pipeline.Run(ctx, src)
	if err != nil {
		// nothing is written for a failed run
		log.Fatalf("Digitization failed: %v", err)
	}
	if err := res.Save(cfg.Output, logger); err != nil {
		log.Fatalf("Failed to save results: %v", err)
	}

	stats := res.Stats
	fmt.Printf("\nDigitization completed successfully in %.2f seconds!\n", stats.Duration.Seconds())
	fmt.Printf("Outputs saved to: %s\n\n", cfg.Output.Directory)

	fmt.Printf("Run summary:\n")
	fmt.Printf("=======================================\n")
	fmt.Printf("Events: %s\n", humanize.Comma(stats.Events))
	fmt.Printf("Hits read / kept: %s / %s\n", humanize.Comma(stats.HitsRead), humanize.Comma(stats.HitsKept))
	for _, ch := range res.Channels {
		fmt.Printf("- %s: %s singles, mean energy %.4f MeV\n", ch, humanize.Comma(stats.Singles[ch]), stats.EnergyMean[ch])
	}
	if res.Projection != nil {
		fmt.Println("\nProjection slices:")
		for k, s := range res.Slices {
			fmt.Printf("- slice %d (%s, run %d): %.0f counts, %s outside the detector\n",
				k, s.Collection, s.Run, s.Total, humanize.Comma(s.Dropped))
		}
		if cfg.Output.ProjectionFile != "" {
			fmt.Printf("Projection image: %s\n", filepath.Join(cfg.Output.Directory, cfg.Output.ProjectionFile))
		}
	}

	fmt.Println("\nParallel processing performance:")
	fmt.Printf("- Used %d workers\n", stats.Workers)
	fmt.Printf("- Events per worker: %.1f +/- %.1f\n", stats.EventsPerWorkerMean, stats.EventsPerWorkerStd)
}
