package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"rlcheck/internal/config"
	"rlcheck/internal/core"
	"rlcheck/internal/detectors"
	"rlcheck/internal/report"
)

// 退出码
const (
	exitClean = 0
	exitLeaks = 1
	exitError = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("rlcheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath  = fs.String("config", "", "YAML configuration file merged over the built-in defaults")
		workers     = fs.Int("workers", 0, "Number of worker goroutines (0 = auto by project size)")
		format      = fs.String("format", "text", "Output format (text, json, sarif, csv, all)")
		output      = fs.String("output", "", "Output file path for report (e.g., report.json); directory for -format all")
		timestamp   = fs.Bool("timestamp", false, "Add timestamp to output files")
		timeout     = fs.Duration("timeout", 0, "Per-procedure analysis timeout (0 = use config)")
		edges       = fs.String("edges", "", "Exceptional edges: protected or all (default from config)")
		resetPolicy = fs.String("reset-policy", "", "Reassignment of a maybe-disposed value: strict or lenient (default from config)")
		infer       = fs.String("infer", "", "Write inferred ownership attributes as CSV to this file (- for stdout)")
		changed     = fs.Bool("changed", false, "Only scan .cs files modified in the git working tree")
		verbose     = fs.Bool("v", false, "Verbose output")
		listFormats = fs.Bool("list-formats", false, "List supported output formats")
		split       = fs.Bool("split-warnings", false, "Write resource leaks and annotation warnings to separate report files")
	)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "rlcheck - resource leak checker for C#\n\n")
		fmt.Fprintf(stderr, "Usage: rlcheck [options] <path>\n\nOptions:\n")
		fs.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  rlcheck ./src\n")
		fmt.Fprintf(stderr, "  rlcheck -format sarif -output rlcheck.sarif ./src\n")
		fmt.Fprintf(stderr, "  rlcheck -format all -output reports -timestamp ./src\n")
		fmt.Fprintf(stderr, "  rlcheck -changed -v .\n")
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitClean
		}
		return exitError
	}

	if *listFormats {
		fmt.Fprintf(stdout, "Supported output formats:\n")
		for _, f := range report.SupportedFormats() {
			fmt.Fprintf(stdout, "  %s - %s\n", f, report.FormatDescription(f))
		}
		return exitClean
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if fs.NArg() < 1 {
		fmt.Fprintf(stderr, "Error: Please provide a file or directory to scan\n\n")
		fs.Usage()
		return exitError
	}
	outputFormat, err := report.ParseFormat(*format)
	if err != nil {
		logger.Error("invalid output format", "err", err)
		return exitError
	}
	if outputFormat == report.FormatAll && *output == "" {
		logger.Error("-format all needs -output <dir>")
		return exitError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("load config", "err", err)
		return exitError
	}
	// 命令行覆盖配置文件
	if *edges != "" {
		cfg.Analysis.Edges = core.EdgePolicy(*edges)
	}
	if *resetPolicy != "" {
		cfg.Analysis.ResetPolicy = core.ResetPolicy(*resetPolicy)
	}
	if *timeout > 0 {
		cfg.Analysis.ProcedureTimeout = *timeout
	}
	if *workers > 0 {
		cfg.Scan.Workers = *workers
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		return exitError
	}
	if cfg.Path != "" {
		logger.Debug("configuration loaded", "path", cfg.Path)
	}

	scanner := NewScanner(cfg, logger)
	scanner.workers = cfg.Scan.Workers
	scanner.infer = *infer != ""
	scanner.AddDetector(detectors.NewResourceLeakDetector(logger))
	scanner.AddDetector(detectors.NewAnnotationChecker())

	path := fs.Arg(0)
	files, skipped, err := scanner.CollectFiles(path, *changed)
	if err != nil {
		logger.Error("collect files", "path", path, "err", err)
		return exitError
	}
	logger.Debug("files collected", "path", path, "files", len(files), "skipped", skipped)

	ctx := context.Background()
	out, err := scanner.Scan(ctx, files)
	if err != nil {
		logger.Error("scan failed", "err", err)
		return exitError
	}
	out.Result.FilesSkipped += skipped
	if *verbose {
		scanner.logTimings()
	}

	if err := writeReport(out.Result, outputFormat, *output, *timestamp, *split, stdout); err != nil {
		logger.Error("write report", "err", err)
		return exitError
	}
	if *infer != "" {
		if err := writeInferences(*infer, out.Inferences, stdout); err != nil {
			logger.Error("write inferences", "err", err)
			return exitError
		}
	}

	if out.Result.Leaks() > 0 {
		return exitLeaks
	}
	return exitClean
}

// writeReport 没有 -output 时写标准输出，否则写文件
func writeReport(result *report.ScanResult, format report.Format, output string, timestamp, split bool, stdout io.Writer) error {
	if output == "" {
		return report.NewManager(report.Options{Format: format}).WriteTo(stdout, result)
	}

	opts := report.Options{Format: format, Timestamp: timestamp, SplitWarnings: split, Concurrency: 4}
	if format == report.FormatAll {
		opts.OutputDir = output
	} else {
		name := filepath.Base(output)
		if timestamp {
			ext := filepath.Ext(name)
			name = fmt.Sprintf("%s_%s%s", strings.TrimSuffix(name, ext), time.Now().Format("20060102_150405"), ext)
		}
		opts.OutputDir, opts.Filename = filepath.Dir(output), name
	}
	outputs, err := report.NewManager(opts).Generate(result)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Report generated:\n")
	for _, o := range outputs {
		fmt.Fprintf(stdout, "  %s (%d warnings, %d resource leaks)\n", o.Path, o.Warnings, o.Leaks)
	}
	fmt.Fprintf(stdout, "%s\n", report.Summarize(result).Line())
	return nil
}

func writeInferences(path string, rows []detectors.Inference, stdout io.Writer) error {
	if path == "-" {
		return detectors.WriteInferences(stdout, rows)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := detectors.WriteInferences(f, rows); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
