package core

import (
	"fmt"
	"strings"
)

// LocKind 程序位置的根类型
type LocKind uint8

const (
	LocLocal  LocKind = iota // 局部变量
	LocParam                 // 形参
	LocThis                  // 接收者对象，Field 为接收者字段
	LocStatic                // 静态字段，Base 为声明类型
	LocReturn                // 返回值槽位
	LocTemp                  // 前端或求值过程产生的临时位置
)

// Loc 字段敏感的访问路径：var、var.f、this.f、Class.f、$ret
type Loc struct {
	Kind  LocKind
	Base  string
	Field string
}

// ThisLoc 接收者对象本身
var ThisLoc = Loc{Kind: LocThis, Base: "this"}

// ReturnLoc 返回值槽位
var ReturnLoc = Loc{Kind: LocReturn, Base: "$ret"}

// Local 构造局部变量位置
func Local(name string) Loc { return Loc{Kind: LocLocal, Base: name} }

// Param 构造形参位置
func Param(name string) Loc { return Loc{Kind: LocParam, Base: name} }

// ThisField 构造接收者字段位置
func ThisField(name string) Loc { return Loc{Kind: LocThis, Base: "this", Field: name} }

// Static 构造静态字段位置
func Static(class, name string) Loc { return Loc{Kind: LocStatic, Base: class, Field: name} }

// Root 去掉字段后的根位置
func (l Loc) Root() Loc { return Loc{Kind: l.Kind, Base: l.Base} }

// Dot 访问字段
func (l Loc) Dot(field string) Loc { return Loc{Kind: l.Kind, Base: l.Base, Field: field} }

// IsField 是否为字段位置
func (l Loc) IsField() bool { return l.Field != "" }

// Escapes 在过程出口仍持有资源即视为所有权转移给调用方
func (l Loc) Escapes() bool {
	switch l.Kind {
	case LocThis, LocStatic, LocReturn:
		return true
	case LocParam:
		return l.Field != ""
	}
	return false
}

func (l Loc) String() string {
	if l.Field == "" {
		return l.Base
	}
	return l.Base + "." + l.Field
}

// Expr 表达式
type Expr interface {
	exprNode()
}

// LocExpr 读取一个位置
type LocExpr struct {
	Loc Loc
}

// NullExpr null / nil 字面量
type NullExpr struct{}

// NewExpr 对象创建
type NewExpr struct {
	Type string
	Args []Expr
	Pos  Position
}

// CallExpr 方法或函数调用。Recv 为 nil 表示隐式 this 或静态调用
type CallExpr struct {
	Recv     Expr
	RecvType string
	Method   string
	Args     []Expr
	Static   bool
	Pos      Position
}

// AllocExpr 结果本身就是新资源的调用（例如返回 io.Closer 的 Go 函数）
type AllocExpr struct {
	Type string
	Call Expr
	Pos  Position
}

// CompositeExpr 带字段初始化的对象字面量
type CompositeExpr struct {
	Type   string
	Fields map[string]Expr
	Pos    Position
}

// ChoiceExpr 值可能来自任一分支（?:、??）
type ChoiceExpr struct {
	Alts []Expr
}

// OpaqueExpr 不产生资源的表达式，只对子表达式求值
type OpaqueExpr struct {
	Subexprs []Expr
}

func (*LocExpr) exprNode()       {}
func (*NullExpr) exprNode()      {}
func (*NewExpr) exprNode()       {}
func (*CallExpr) exprNode()      {}
func (*AllocExpr) exprNode()     {}
func (*CompositeExpr) exprNode() {}
func (*ChoiceExpr) exprNode()    {}
func (*OpaqueExpr) exprNode()    {}

// NullCheck 条件 `loc == null`，Negated 时为 `loc != null`
type NullCheck struct {
	Loc     Loc
	Negated bool
}

// Cond 分支条件。Null 非空时可以细化两条出边上的空值信息
type Cond struct {
	X    Expr
	Null *NullCheck
}

// Stmt 语句
type Stmt interface {
	Position() Position
	stmtNode()
}

// AssignStmt dst = src。ErrDst 记录 Go 中 `v, err := f()` 的 err 位置
type AssignStmt struct {
	At     Position
	Dst    Loc
	Src    Expr
	ErrDst *Loc
}

// ExprStmt 表达式语句
type ExprStmt struct {
	At Position
	X  Expr
}

// IfStmt 条件分支
type IfStmt struct {
	At   Position
	Cond Cond
	Then []Stmt
	Else []Stmt
}

// LoopStmt while/for/foreach/do。Cond.X 为 nil 表示无条件循环
type LoopStmt struct {
	At       Position
	Cond     Cond
	Body     []Stmt
	PostTest bool
}

// SwitchStmt 分支各自结束，没有隐式贯穿
type SwitchStmt struct {
	At         Position
	Tag        Expr
	Cases      [][]Stmt
	HasDefault bool
}

// BreakStmt break
type BreakStmt struct{ At Position }

// ContinueStmt continue
type ContinueStmt struct{ At Position }

// ReturnStmt return，Value 可为 nil
type ReturnStmt struct {
	At    Position
	Value Expr
}

// ThrowStmt throw / panic
type ThrowStmt struct {
	At    Position
	Value Expr
}

// CatchClause catch 子句
type CatchClause struct {
	At       Position
	Type     string
	CatchAll bool
	Body     []Stmt
}

// TryStmt try/catch/finally。Finally 为 nil 表示没有 finally
type TryStmt struct {
	At      Position
	Body    []Stmt
	Catches []CatchClause
	Finally []Stmt
}

// UsingStmt 作用域资源获取：Var = Init; Body; 任意出口处释放 Var。
// Init 为 nil 时只负责释放（Go 的 defer x.Close()）
type UsingStmt struct {
	At     Position
	Var    Loc
	Type   string
	Method string
	Init   Expr
	Body   []Stmt
}

// DisposeStmt 隐式释放，等价于调用 Loc.Method()
type DisposeStmt struct {
	At     Position
	Loc    Loc
	Type   string
	Method string
}

// BlockStmt 嵌套块
type BlockStmt struct {
	At   Position
	Body []Stmt
}

// UnsupportedStmt 前端无法降级的结构
type UnsupportedStmt struct {
	At        Position
	Construct string
}

func (s *AssignStmt) Position() Position      { return s.At }
func (s *ExprStmt) Position() Position        { return s.At }
func (s *IfStmt) Position() Position          { return s.At }
func (s *LoopStmt) Position() Position        { return s.At }
func (s *SwitchStmt) Position() Position      { return s.At }
func (s *BreakStmt) Position() Position       { return s.At }
func (s *ContinueStmt) Position() Position    { return s.At }
func (s *ReturnStmt) Position() Position      { return s.At }
func (s *ThrowStmt) Position() Position       { return s.At }
func (s *TryStmt) Position() Position         { return s.At }
func (s *UsingStmt) Position() Position       { return s.At }
func (s *DisposeStmt) Position() Position     { return s.At }
func (s *BlockStmt) Position() Position       { return s.At }
func (s *UnsupportedStmt) Position() Position { return s.At }

func (*AssignStmt) stmtNode()      {}
func (*ExprStmt) stmtNode()        {}
func (*IfStmt) stmtNode()          {}
func (*LoopStmt) stmtNode()        {}
func (*SwitchStmt) stmtNode()      {}
func (*BreakStmt) stmtNode()       {}
func (*ContinueStmt) stmtNode()    {}
func (*ReturnStmt) stmtNode()      {}
func (*ThrowStmt) stmtNode()       {}
func (*TryStmt) stmtNode()         {}
func (*UsingStmt) stmtNode()       {}
func (*DisposeStmt) stmtNode()     {}
func (*BlockStmt) stmtNode()       {}
func (*UnsupportedStmt) stmtNode() {}

// ParamDecl 形参声明
type ParamDecl struct {
	Name       string
	Type       string
	Attributes []string
	Pos        Position
}

// FieldDecl 字段声明
type FieldDecl struct {
	Name       string
	Type       string
	Static     bool
	Attributes []string
	Pos        Position
}

// ClassDecl 类型声明
type ClassDecl struct {
	Name       string
	Fields     []FieldDecl
	Attributes []string
	Pos        Position
}

// Field 按名字查找字段
func (c *ClassDecl) Field(name string) (FieldDecl, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDecl{}, false
}

// Procedure 前端降级后的过程
type Procedure struct {
	Name          string
	Class         string
	Params        []ParamDecl
	ReturnType    string
	Body          []Stmt
	Pos           Position
	IsConstructor bool
	IsStatic      bool
	Attributes    []string
}

// QualifiedName Class.Method
func (p *Procedure) QualifiedName() string {
	if p.Class == "" {
		return p.Name
	}
	return p.Class + "." + p.Name
}

// Key 区分重载的摘要键
func (p *Procedure) Key() string {
	return SummaryKey(p.Class, p.Name, len(p.Params))
}

// SummaryKey Class.Method/arity
func SummaryKey(class, method string, arity int) string {
	if class == "" {
		return fmt.Sprintf("%s/%d", method, arity)
	}
	return fmt.Sprintf("%s.%s/%d", class, method, arity)
}

// HasAttribute 忽略 Attribute 后缀和命名空间比较属性名
func HasAttribute(attrs []string, name string) bool {
	for _, a := range attrs {
		if NormalizeAttribute(a) == name {
			return true
		}
	}
	return false
}

// NormalizeAttribute 去掉命名空间、参数和 Attribute 后缀
func NormalizeAttribute(a string) string {
	if i := strings.IndexByte(a, '('); i >= 0 {
		a = a[:i]
	}
	a = strings.TrimSpace(a)
	if i := strings.LastIndexByte(a, '.'); i >= 0 {
		a = a[i+1:]
	}
	return strings.TrimSuffix(a, "Attribute")
}

// Unit 一个源文件降级后的结果
type Unit struct {
	File       string
	Classes    []*ClassDecl
	Procedures []*Procedure
}

// Class 按名字查找类型
func (u *Unit) Class(name string) *ClassDecl {
	for _, c := range u.Classes {
		if c.Name == name {
			return c
		}
	}
	return nil
}
