package detectors

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"rlcheck/internal/core"
)

// Inference 一条推断出的注解
type Inference struct {
	File        string `json:"file"`
	Line        int    `json:"line"`
	ElementType string `json:"element_type"`
	ElementName string `json:"element_name"`
	Annotation  string `json:"annotation"`
}

// Inferrer 从过程摘要推断所有权注解
type Inferrer struct{}

// NewInferrer 创建推断器
func NewInferrer() *Inferrer { return &Inferrer{} }

// Infer 推断一个文件中缺失的注解，已经声明的注解不再输出
func (in *Inferrer) Infer(prog *core.Unit, tab *core.SummaryTable) []Inference {
	var out []Inference
	add := func(pos core.Position, elemType, name, ann string) {
		file := pos.File
		if file == "" {
			file = prog.File
		}
		out = append(out, Inference{File: file, Line: pos.Line, ElementType: elemType, ElementName: name, Annotation: ann})
	}

	for _, c := range prog.Classes {
		owning, _ := classFieldEffects(prog, tab, c.Name)
		hasOwning := false
		for _, f := range c.Fields {
			if f.Static || !owning[f.Name] {
				continue
			}
			hasOwning = true
			if !core.HasAttribute(f.Attributes, "Owning") {
				add(f.Pos, "Field", c.Name+"."+f.Name, "Owning")
			}
		}
		if hasOwning && !core.HasAttribute(c.Attributes, "MustCall") {
			add(c.Pos, "Class", c.Name, "MustCall")
		}
	}

	for _, p := range prog.Procedures {
		s := tab.Get(p.Key())
		if s == nil {
			continue
		}
		if p.IsConstructor {
			for i, prm := range p.Params {
				if storesParam(s, i) && !core.HasAttribute(prm.Attributes, "MustCallAlias") {
					add(paramPos(p, prm), "Parameter", p.QualifiedName()+"."+prm.Name, "MustCallAlias")
				}
			}
			continue
		}
		for i, prm := range p.Params {
			if !s.DisposesParams[i] || declaresDisposal(prm.Attributes) {
				continue
			}
			add(paramPos(p, prm), "Parameter", p.QualifiedName()+"."+prm.Name, "Calls")
		}
		r := s.Returns
		if len(r.Fields) > 0 && !r.Fresh && len(r.Params) == 0 && !core.HasAttribute(p.Attributes, "NotOwning") {
			add(p.Pos, "Method", p.QualifiedName(), "NotOwning")
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.File != b.File {
			return a.File < b.File
		}
		if a.Line != b.Line {
			return a.Line < b.Line
		}
		return a.ElementName < b.ElementName
	})
	return out
}

func storesParam(s *core.FunctionSummary, i int) bool {
	for _, o := range s.Stores {
		for _, p := range o.Params {
			if p == i {
				return true
			}
		}
	}
	return false
}

func declaresDisposal(attrs []string) bool {
	return core.HasAttribute(attrs, "Calls") ||
		core.HasAttribute(attrs, "EnsuresCalledMethods") ||
		core.HasAttribute(attrs, "Owning")
}

func paramPos(p *core.Procedure, prm core.ParamDecl) core.Position {
	if prm.Pos.IsValid() {
		return prm.Pos
	}
	return p.Pos
}

// WriteInferences 按 filename,line,element type,element name,annotation 输出 CSV
func WriteInferences(w io.Writer, rows []Inference) error {
	cw := csv.NewWriter(w)
	for _, r := range rows {
		if err := cw.Write([]string{r.File, strconv.Itoa(r.Line), r.ElementType, r.ElementName, r.Annotation}); err != nil {
			return fmt.Errorf("write inference: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
