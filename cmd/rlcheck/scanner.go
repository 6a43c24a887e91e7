package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"rlcheck/internal/config"
	"rlcheck/internal/core"
	"rlcheck/internal/detectors"
	"rlcheck/internal/report"
	"rlcheck/internal/vcs"
)

// parsedFile 解析并降级后的源文件
type parsedFile struct {
	unit *core.ParsedUnit
	prog *core.Unit
}

// Scanner 主扫描器
type Scanner struct {
	cfg       *config.Config
	detectors []core.Detector
	workers   int
	infer     bool
	logger    *slog.Logger

	// 检测器耗时统计
	timings   map[string]time.Duration
	timingsMu sync.Mutex
}

// ScanOutput 一次扫描的全部产出
type ScanOutput struct {
	Result     *report.ScanResult
	Inferences []detectors.Inference
}

// NewScanner 创建扫描器
func NewScanner(cfg *config.Config, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		cfg:     cfg,
		logger:  logger,
		timings: make(map[string]time.Duration),
	}
}

// AddDetector 添加检测器
func (s *Scanner) AddDetector(d core.Detector) {
	s.detectors = append(s.detectors, d)
}

// CollectFiles 目标下的 .cs 文件。changed 为真时只取 git 工作区中有改动的文件
func (s *Scanner) CollectFiles(root string, changed bool) ([]string, int, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, 0, fmt.Errorf("error accessing path %s: %w", root, err)
	}
	if !info.IsDir() {
		return []string{root}, 0, nil
	}

	if changed {
		files, err := vcs.ChangedFiles(root, ".cs")
		if err != nil {
			return nil, 0, err
		}
		var kept []string
		skipped := 0
		for _, f := range files {
			if s.excludedPath(root, f) || s.tooLarge(f) {
				skipped++
				continue
			}
			kept = append(kept, f)
		}
		return kept, skipped, nil
	}

	var files []string
	skipped := 0
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.logger.Debug("skip unreadable path", "path", path, "err", err)
			return nil
		}
		if d.IsDir() {
			if path != root && s.cfg.Excluded(path) {
				return filepath.SkipDir
			}
			return nil
		}
		if !core.IsSourceFile(path) {
			return nil
		}
		if s.tooLarge(path) {
			skipped++
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("walk %s: %w", root, err)
	}
	sort.Strings(files)
	return files, skipped, nil
}

func (s *Scanner) excludedPath(root, file string) bool {
	rel, err := filepath.Rel(root, filepath.Dir(file))
	if err != nil {
		return false
	}
	for dir := rel; dir != "." && dir != string(filepath.Separator); dir = filepath.Dir(dir) {
		if s.cfg.Excluded(dir) {
			return true
		}
	}
	return false
}

func (s *Scanner) tooLarge(path string) bool {
	limit := s.cfg.Scan.MaxFileSize
	if limit <= 0 {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	if info.Size() > limit {
		s.logger.Warn("file too large, skipped", "file", path, "size", info.Size(), "limit", limit)
		return true
	}
	return false
}

// parseFiles 并行解析和降级。单个文件失败只记录日志
func (s *Scanner) parseFiles(ctx context.Context, files []string) ([]*parsedFile, int) {
	parsed := make([]*parsedFile, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.workers))
	for i, path := range files {
		i, path := i, path
		g.Go(func() error {
			unit, err := core.ParseFile(gctx, path)
			if err != nil {
				s.logger.Warn("parse failed", "file", path, "err", err)
				return nil
			}
			prog, err := core.LowerCSharp(unit)
			if err != nil {
				unit.Close()
				s.logger.Warn("lowering failed", "file", path, "err", err)
				return nil
			}
			if unit.HasErrors() {
				s.logger.Debug("file has syntax errors", "file", path)
			}
			parsed[i] = &parsedFile{unit: unit, prog: prog}
			return nil
		})
	}
	_ = g.Wait()

	out := parsed[:0]
	failed := 0
	for _, pf := range parsed {
		if pf == nil {
			failed++
			continue
		}
		out = append(out, pf)
	}
	return out, failed
}

// Scan 解析全部文件，计算摘要，逐文件运行检测器
func (s *Scanner) Scan(ctx context.Context, files []string) (*ScanOutput, error) {
	start := time.Now()
	tuning := s.cfg.Tune(len(files))
	if s.workers <= 0 {
		s.workers = tuning.Workers
	}
	s.logger.Debug("auto tuning", "files", len(files), "tuning", tuning.String())

	parsed, failed := s.parseFiles(ctx, files)
	defer func() {
		for _, pf := range parsed {
			pf.unit.Close()
		}
	}()

	env := core.NewEnv(s.cfg.BuildLibrary(), s.cfg.Options())
	var procs []*core.Procedure
	for _, pf := range parsed {
		env.AddUnit(pf.prog)
		procs = append(procs, pf.prog.Procedures...)
	}

	fsm := core.NewFunctionSummaryManager(env, procs, tuning.SummaryWorkers)
	tab, err := fsm.AnalyzeAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute summaries: %w", err)
	}
	env.Summaries = tab
	s.logger.Debug("summaries computed", "summaries", tab.Len(), "passes", fsm.Passes(), "duration", time.Since(start))

	results, stats := core.AnalyzeProcedures(ctx, procs, env, s.workers)
	s.logger.Debug("procedures analyzed",
		"procedures", len(procs),
		"completed", stats.JobsCompleted,
		"failed", stats.JobsFailed,
		"avg", stats.AvgExecTime)

	out := &ScanOutput{Result: &report.ScanResult{
		FilesScanned: len(parsed),
		FilesSkipped: failed,
		Procedures:   make(map[string]int),
	}}
	for _, d := range s.detectors {
		out.Result.DetectorsUsed = append(out.Result.DetectorsUsed, d.Name())
	}
	for _, r := range results {
		out.Result.Procedures[string(r.Status)]++
		if r.Err != nil && !errors.Is(r.Err, core.ErrUnsupported) {
			s.logger.Warn("procedure not analyzed",
				"file", r.Procedure.Pos.File,
				"procedure", r.Procedure.QualifiedName(),
				"status", string(r.Status),
				"err", r.Err)
		}
	}

	inferrer := detectors.NewInferrer()
	offset := 0
	for _, pf := range parsed {
		n := len(pf.prog.Procedures)
		actx := core.NewAnalysisContext(ctx, pf.unit, pf.prog, env)
		actx.SetResults(results[offset : offset+n])
		offset += n

		for _, d := range s.detectors {
			t0 := time.Now()
			vulns, err := d.Run(actx)
			s.recordTiming(d.Name(), time.Since(t0))
			if err != nil {
				s.logger.Warn("detector failed", "file", pf.unit.FilePath, "detector", d.Name(), "err", err)
				continue
			}
			out.Result.Vulnerabilities = append(out.Result.Vulnerabilities, convertToReportVulns(vulns)...)
		}
		if s.infer {
			out.Inferences = append(out.Inferences, inferrer.Infer(pf.prog, tab)...)
		}
	}
	report.SortVulnerabilities(out.Result.Vulnerabilities)
	out.Result.Duration = time.Since(start)

	s.logger.Info("scan complete",
		"files", out.Result.FilesScanned,
		"findings", len(out.Result.Vulnerabilities),
		"duration", out.Result.Duration.Round(time.Millisecond))
	return out, nil
}

func (s *Scanner) recordTiming(name string, d time.Duration) {
	s.timingsMu.Lock()
	s.timings[name] += d
	s.timingsMu.Unlock()
}

// logTimings 按耗时降序输出检测器统计
func (s *Scanner) logTimings() {
	names := make([]string, 0, len(s.timings))
	for name := range s.timings {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return s.timings[names[i]] > s.timings[names[j]] })
	for _, name := range names {
		s.logger.Debug("detector timing", "detector", name, "duration", s.timings[name])
	}
}

// convertToReportVulns 转换为报告结构
func convertToReportVulns(vulns []core.DetectorVulnerability) []report.Vulnerability {
	result := make([]report.Vulnerability, len(vulns))
	for i, v := range vulns {
		result[i] = report.Vulnerability{
			Type:         v.Type,
			Message:      v.Message,
			File:         v.File,
			Line:         v.Line,
			Column:       v.Column,
			Severity:     v.Severity,
			Confidence:   v.Confidence,
			Source:       v.Source,
			CWE:          v.CWE,
			Procedure:    v.Procedure,
			ResourceType: v.ResourceType,
			ExitPath:     string(v.ExitPath),
			Warning:      v.Warning,
		}
	}
	return result
}
