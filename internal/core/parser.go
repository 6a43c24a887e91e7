package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/csharp"
)

// LanguageCSharp 目前唯一的 tree-sitter 前端语言
const LanguageCSharp = "csharp"

// ParserPool 管理 tree-sitter Parser 实例池
// 使用 sync.Pool 允许每个 goroutine 获取独立的 Parser
type ParserPool struct {
	csPool sync.Pool
}

// NewParserPool 创建新的 Parser Pool
func NewParserPool() *ParserPool {
	return &ParserPool{
		csPool: sync.Pool{
			New: func() interface{} {
				parser := sitter.NewParser()
				parser.SetLanguage(csharp.GetLanguage())
				return parser
			},
		},
	}
}

var globalParserPool = NewParserPool()

// GetParser 从 Pool 获取 Parser（无需锁）
func GetParser() *sitter.Parser {
	return globalParserPool.csPool.Get().(*sitter.Parser)
}

// PutParser 将 Parser 归还到 Pool
func PutParser(parser *sitter.Parser) {
	parser.Reset()
	globalParserPool.csPool.Put(parser)
}

// queryCache language:queryPattern -> *sitter.Query
var (
	queryCache   sync.Map
	queryCacheMu sync.Mutex
)

// GetQueryFromCache 从缓存获取或创建Query
func GetQueryFromCache(queryPattern string) (*sitter.Query, error) {
	key := LanguageCSharp + ":" + queryPattern
	if cached, ok := queryCache.Load(key); ok {
		return cached.(*sitter.Query), nil
	}

	queryCacheMu.Lock()
	defer queryCacheMu.Unlock()

	// 双重检查：可能在等待锁期间已被其他 goroutine 创建
	if cached, ok := queryCache.Load(key); ok {
		return cached.(*sitter.Query), nil
	}
	query, err := sitter.NewQuery([]byte(queryPattern), csharp.GetLanguage())
	if err != nil {
		return nil, fmt.Errorf("failed to create query: %w", err)
	}
	queryCache.Store(key, query)
	return query, nil
}

// ParsedUnit 表示一个已解析的源文件
type ParsedUnit struct {
	FilePath string
	Root     *sitter.Node
	Source   []byte
	Tree     *sitter.Tree
	Language string
}

// Close 释放底层语法树
func (u *ParsedUnit) Close() {
	if u.Tree != nil {
		u.Tree.Close()
	}
}

// HasErrors 语法树中是否有 ERROR 或 MISSING 节点
func (u *ParsedUnit) HasErrors() bool {
	return u.Root != nil && u.Root.HasError()
}

// Text 获取节点的源代码文本
func (u *ParsedUnit) Text(node *sitter.Node) string {
	if node == nil {
		return ""
	}
	start, end := node.StartByte(), node.EndByte()
	if end > uint32(len(u.Source)) {
		end = uint32(len(u.Source))
	}
	if start >= end {
		return ""
	}
	return string(u.Source[start:end])
}

// Pos 节点起始位置（1 基）
func (u *ParsedUnit) Pos(node *sitter.Node) Position {
	if node == nil {
		return Position{File: u.FilePath}
	}
	p := node.StartPoint()
	return Position{File: u.FilePath, Line: int(p.Row) + 1, Column: int(p.Column) + 1}
}

// QueryMatch 表示查询匹配的结果
type QueryMatch struct {
	Node     *sitter.Node
	Captures map[string]*sitter.Node
	Pattern  string
}

// Query 执行查询并返回详细的匹配结果（使用Query缓存）
func (u *ParsedUnit) Query(queryPattern string) ([]QueryMatch, error) {
	query, err := GetQueryFromCache(queryPattern)
	if err != nil {
		return nil, err
	}

	cursor := sitter.NewQueryCursor()
	defer cursor.Close()
	cursor.Exec(query, u.Root)

	var matches []QueryMatch
	for {
		match, ok := cursor.NextMatch()
		if !ok {
			break
		}
		if len(match.Captures) == 0 {
			continue
		}
		qm := QueryMatch{
			Node:     match.Captures[0].Node,
			Captures: make(map[string]*sitter.Node),
			Pattern:  queryPattern,
		}
		for _, capture := range match.Captures {
			qm.Captures[query.CaptureNameForId(capture.Index)] = capture.Node
		}
		matches = append(matches, qm)
	}
	return matches, nil
}

// FindTypeDeclarations 查找所有类和结构体声明（含嵌套）
func (u *ParsedUnit) FindTypeDeclarations() ([]*sitter.Node, error) {
	matches, err := u.Query(`[(class_declaration) (struct_declaration)] @decl`)
	if err != nil {
		return nil, err
	}
	nodes := make([]*sitter.Node, 0, len(matches))
	for _, m := range matches {
		nodes = append(nodes, m.Captures["decl"])
	}
	return nodes, nil
}

// GetLanguage 根据文件扩展名获取对应的解析器语言
func GetLanguage(filename string) (*sitter.Language, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".cs":
		return csharp.GetLanguage(), nil
	default:
		return nil, fmt.Errorf("unsupported file extension: %s", ext)
	}
}

// IsSourceFile 是否为可扫描的源文件
func IsSourceFile(filename string) bool {
	_, err := GetLanguage(filename)
	return err == nil
}

// ParseFile 解析单个文件
func ParseFile(ctx context.Context, filePath string) (*ParsedUnit, error) {
	source, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filePath, err)
	}
	return ParseSource(ctx, filePath, source)
}

// ParseSource 解析内存中的源码
func ParseSource(ctx context.Context, filePath string, source []byte) (*ParsedUnit, error) {
	if _, err := GetLanguage(filePath); err != nil {
		return nil, err
	}

	parser := GetParser()
	defer PutParser(parser)

	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse file %s: %w", filePath, err)
	}
	return &ParsedUnit{
		FilePath: filePath,
		Root:     tree.RootNode(),
		Source:   source,
		Tree:     tree,
		Language: LanguageCSharp,
	}, nil
}

// SafeChildren 获取所有子节点
func SafeChildren(node *sitter.Node) []*sitter.Node {
	count := int(node.ChildCount())
	children := make([]*sitter.Node, count)
	for i := 0; i < count; i++ {
		children[i] = node.Child(i)
	}
	return children
}

// NamedChildren 获取所有命名子节点
func NamedChildren(node *sitter.Node) []*sitter.Node {
	if node == nil {
		return nil
	}
	count := int(node.NamedChildCount())
	children := make([]*sitter.Node, 0, count)
	for i := 0; i < count; i++ {
		children = append(children, node.NamedChild(i))
	}
	return children
}
