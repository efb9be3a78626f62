package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"labelops/internal/ai"
	"labelops/internal/ai/openai"
	"labelops/internal/config"
	"labelops/internal/pipeline"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	// Parse CLI flags
	var (
		clientID   = flag.String("client", "", "client id to process the batch for (required)")
		in         = flag.String("in", "-", "input text file, or '-' for stdin")
		dryRun     = flag.Bool("dry-run", false, "parse and validate without writing outputs")
		useAI      = flag.Bool("use-ai", false, "enable AI address correction")
		maxRisk    = flag.String("auto-apply-max-risk", ai.RiskLow, "highest suggestion risk to auto-apply (low|medium|high)")
		maxAICalls = flag.Int("max-ai-calls", 25, "maximum AI calls per batch")
		configPath = flag.String("config", config.ConfigPath(), "path to the clients config file")
		verbose    = flag.Bool("v", false, "verbose logging to stderr")
	)
	flag.Parse()

	// Validate required flags
	if *clientID == "" {
		printError("Error: --client is required\n")
		os.Exit(1)
	}
	if !ai.ValidRisk(*maxRisk) {
		printError("Error: invalid --auto-apply-max-risk %q, use low|medium|high\n", *maxRisk)
		os.Exit(1)
	}

	// Setup logger
	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx := context.Background()

	// Load and resolve client configuration
	doc, err := config.Load(*configPath)
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
	if err := config.Validate(doc); err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}
	settings, err := config.Resolve(doc, strings.ToLower(*clientID), config.ClientsRoot())
	if err != nil {
		printError("Error: %v\n", err)
		os.Exit(1)
	}

	// Read input text
	var raw []byte
	var inputFiles []string
	if *in == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(*in)
		inputFiles = []string{*in}
	}
	if err != nil {
		printError("Error: reading input: %v\n", err)
		os.Exit(1)
	}

	// Setup AI corrector (env-gated)
	var corrector ai.Corrector
	if *useAI {
		client, err := openai.NewClient(openai.Config{}, logger)
		if err != nil {
			printError("Error: %v\n", err)
			os.Exit(1)
		}
		corrector = client
	}

	runner := pipeline.NewRunner(logger, nil, corrector, "")
	result, err := runner.Run(ctx, settings, pipeline.Request{
		ClientID:   settings.ClientID,
		RawText:    string(raw),
		InputFiles: inputFiles,
		UseAI:      *useAI,
		MaxRisk:    *maxRisk,
		MaxAICalls: *maxAICalls,
		Source:     "cli",
		DryRun:     *dryRun,
	})
	if err != nil {
		printError("Error: %v\n", err)
		for _, w := range result.ParseWarnings {
			printError("- block %d: %s\n", w.Block, w.Reason)
		}
		os.Exit(1)
	}

	// Print summary
	mode := "Batch complete!"
	if *dryRun {
		mode = "Dry run complete!"
	}
	fmt.Println(mode)
	fmt.Printf("- Client: %s (%s)\n", result.ClientID, settings.DisplayName)
	fmt.Printf("- Batch ID: %s\n", result.BatchID)
	fmt.Printf("- Records: %d\n", result.RecordCount)
	fmt.Printf("- Parse warnings: %d\n", len(result.ParseWarnings))
	for _, w := range result.ParseWarnings {
		fmt.Printf("  - block %d: %s\n", w.Block, w.Reason)
	}
	fmt.Printf("- Validation failures: %d\n", len(result.ValidationFailures))
	for _, f := range result.ValidationFailures {
		fmt.Printf("  - record %d: missing %s\n", f.Record, strings.Join(f.Missing, ", "))
	}
	if result.AISummary.Enabled {
		fmt.Printf("- AI applied: %d, flagged for review: %d\n", result.AISummary.Applied, result.AISummary.Flagged)
	}
	if !*dryRun {
		fmt.Printf("- Output: %s\n", result.OutputXlsx)
		fmt.Printf("- Tracking: %s\n", result.TrackingCSV)
		fmt.Printf("- Manifest: %s\n", result.ManifestPath)
	}
}
