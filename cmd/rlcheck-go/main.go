// rlcheck-go 检查 Go 代码中未关闭的 io.Closer
package main

import (
	"golang.org/x/tools/go/analysis/singlechecker"

	"rlcheck/internal/goanalysis"
)

func main() {
	singlechecker.Main(goanalysis.Analyzer)
}
