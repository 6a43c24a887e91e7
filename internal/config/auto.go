package config

import (
	"fmt"
	"runtime"
)

// ProjectScale 项目规模
type ProjectScale int

const (
	Small ProjectScale = iota
	Medium
	Large
	XLarge
)

func (s ProjectScale) String() string {
	switch s {
	case Small:
		return "small"
	case Medium:
		return "medium"
	case Large:
		return "large"
	}
	return "xlarge"
}

// DetectProjectScale 按源文件数估计项目规模
func DetectProjectScale(fileCount int) ProjectScale {
	switch {
	case fileCount < 100:
		return Small
	case fileCount < 1000:
		return Medium
	case fileCount < 10000:
		return Large
	default:
		return XLarge
	}
}

// AutoTuning 根据硬件和项目规模推荐的并发参数
type AutoTuning struct {
	Scale   ProjectScale
	Workers int
	// SummaryWorkers 摘要计算每轮的并发度
	SummaryWorkers int
}

func (a AutoTuning) String() string {
	return fmt.Sprintf("scale=%s workers=%d summary_workers=%d", a.Scale, a.Workers, a.SummaryWorkers)
}

// Tune 推荐并发参数。scan.workers 显式设置时优先
func (c *Config) Tune(fileCount int) AutoTuning {
	return tune(DetectProjectScale(fileCount), runtime.NumCPU(), c.Scan.Workers)
}

func tune(scale ProjectScale, cpuCores, configured int) AutoTuning {
	t := AutoTuning{Scale: scale}
	switch scale {
	case Small:
		t.Workers = max(2, min(4, cpuCores))
	case Medium:
		t.Workers = min(16, cpuCores*2)
	case Large:
		t.Workers = min(32, cpuCores*2)
	default:
		t.Workers = min(64, cpuCores*3)
	}
	if configured > 0 {
		t.Workers = configured
	}
	t.SummaryWorkers = max(1, min(t.Workers, cpuCores))
	return t
}
