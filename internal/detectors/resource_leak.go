package detectors

import (
	"log/slog"

	"rlcheck/internal/core"
)

// 告警类型
const (
	TypeResourceLeak      = "Resource Leak"
	TypeResourceResetLeak = "Resource Reset Leak"
)

// ResourceLeakDetector 资源泄漏检测器 (CWE-772 / CWE-404)
// 把分析核心对每个过程给出的泄漏发现转换为告警：
// 1. 正常返回路径上未释放的资源
// 2. 异常路径上未释放的资源
// 3. 持有最后一个引用的变量被重新赋值
type ResourceLeakDetector struct {
	*core.BaseDetector
	logger *slog.Logger
}

// NewResourceLeakDetector 创建资源泄漏检测器
func NewResourceLeakDetector(logger *slog.Logger) *ResourceLeakDetector {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceLeakDetector{
		BaseDetector: core.NewBaseDetector(
			"Resource Leak Detector",
			"Detects IDisposable resources that are not disposed on every path (CWE-772)",
		),
		logger: logger,
	}
}

// Run 运行检测器
func (d *ResourceLeakDetector) Run(ctx *core.AnalysisContext) ([]core.DetectorVulnerability, error) {
	results := ctx.Results()
	if err := ctx.Ctx.Err(); err != nil {
		return nil, core.WrapError(d, err)
	}

	var vulns []core.DetectorVulnerability
	for _, res := range results {
		if res == nil {
			continue
		}
		switch res.Status {
		case core.StatusUnanalyzable, core.StatusInconclusive, core.StatusFailed:
			d.logger.Debug("procedure not analyzed",
				"file", ctx.FilePath(),
				"procedure", res.Procedure.QualifiedName(),
				"status", string(res.Status),
				"err", res.Err)
			continue
		}
		for i := range res.Findings {
			f := &res.Findings[i]
			vulnType := TypeResourceLeak
			if f.ExitPath == core.ExitReset {
				vulnType = TypeResourceResetLeak
			}
			vulns = append(vulns, d.FindingVulnerability(vulnType, f, severityFor(f.Confidence)))
		}
	}
	return vulns, nil
}

func severityFor(confidence string) string {
	switch confidence {
	case core.ConfidenceHigh:
		return core.SeverityHigh
	case core.ConfidenceMedium:
		return core.SeverityMedium
	}
	return core.SeverityLow
}
