package detectors

import (
	"fmt"

	"rlcheck/internal/core"
)

// TypeAnnotationWarning 注解检查给出的警告，不计入资源泄漏
const TypeAnnotationWarning = "Annotation Warning"

// AnnotationChecker 注解检查器
// Verifying: 声明的 [Owning]/[Calls] 契约没有被过程体满足
// Missing: 字段接收了新资源，但所在类没有任何方法释放它
type AnnotationChecker struct {
	*core.BaseDetector
}

// NewAnnotationChecker 创建注解检查器
func NewAnnotationChecker() *AnnotationChecker {
	return &AnnotationChecker{
		BaseDetector: core.NewBaseDetector(
			"Annotation Checker",
			"Checks declared ownership attributes and reports owning fields that are never disposed",
		),
	}
}

// Run 运行检测器。需要 Env.Summaries 已经是最终摘要表
func (d *AnnotationChecker) Run(ctx *core.AnalysisContext) ([]core.DetectorVulnerability, error) {
	prog := ctx.Program
	if prog == nil || ctx.Env == nil {
		return nil, nil
	}
	tab := ctx.Env.Summaries

	var vulns []core.DetectorVulnerability
	for _, p := range prog.Procedures {
		s := tab.Get(p.Key())
		if s == nil {
			continue
		}
		for _, i := range s.Unverified {
			prm := p.Params[i]
			attr := "Owning"
			if core.HasAttribute(prm.Attributes, "Calls") || core.HasAttribute(prm.Attributes, "EnsuresCalledMethods") {
				attr = "Calls"
			}
			pos := prm.Pos
			if !pos.IsValid() {
				pos = p.Pos
			}
			msg := fmt.Sprintf("Verifying: parameter '%s' of %s is declared [%s] but is not disposed on every path",
				prm.Name, p.QualifiedName(), attr)
			vulns = append(vulns, d.warning(msg, pos, p.QualifiedName()))
		}
	}

	for _, c := range prog.Classes {
		owning, disposed := classFieldEffects(prog, tab, c.Name)
		for _, f := range c.Fields {
			if f.Static || !owning[f.Name] || disposed[f.Name] {
				continue
			}
			msg := fmt.Sprintf("Missing: field '%s' of %s holds a resource but no method of %s disposes it",
				f.Name, c.Name, c.Name)
			v := d.warning(msg, f.Pos, c.Name)
			v.ResourceType = core.SimpleTypeName(f.Type)
			vulns = append(vulns, v)
		}
	}
	return vulns, nil
}

func (d *AnnotationChecker) warning(msg string, pos core.Position, procedure string) core.DetectorVulnerability {
	v := d.CreateVulnerability(TypeAnnotationWarning, msg, pos, core.ConfidenceMedium, core.SeverityInfo)
	v.Procedure = procedure
	v.Warning = true
	return v
}

// classFieldEffects 汇总类中全部过程对字段的影响：接收新资源的字段和被释放的字段
func classFieldEffects(prog *core.Unit, tab *core.SummaryTable, class string) (owning, disposed map[string]bool) {
	owning = make(map[string]bool)
	disposed = make(map[string]bool)
	for _, p := range prog.Procedures {
		if p.Class != class {
			continue
		}
		s := tab.Get(p.Key())
		if s == nil {
			continue
		}
		for f, o := range s.Stores {
			if o.Fresh {
				owning[f] = true
			}
		}
		for f, ok := range s.DisposesFields {
			if ok {
				disposed[f] = true
			}
		}
	}
	return owning, disposed
}
