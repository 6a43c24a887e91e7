package core

import "strings"

// Library 资源类型、释放方法、包装类型和工厂方法的注解集合。
// 分析开始前构建，分析期间只读
type Library struct {
	resourceTypes  map[string]bool
	disposeMethods map[string]bool
	// wrapperTypes 包装类型 → 被包装资源所在的构造参数下标
	wrapperTypes   map[string]int
	factoryMethods map[string]bool
	notOwning      map[string]bool
}

// NewLibrary 创建空注解集合
func NewLibrary() *Library {
	return &Library{
		resourceTypes:  make(map[string]bool),
		disposeMethods: make(map[string]bool),
		wrapperTypes:   make(map[string]int),
		factoryMethods: make(map[string]bool),
		notOwning:      make(map[string]bool),
	}
}

// DefaultLibrary .NET 常见资源类型
func DefaultLibrary() *Library {
	l := NewLibrary()
	for _, t := range []string{
		"SqlConnection", "SqlCommand", "SqlDataReader", "SqlTransaction",
		"DbConnection", "DbCommand", "DbDataReader", "IDbConnection", "IDbCommand", "IDataReader",
		"Stream", "FileStream", "MemoryStream", "NetworkStream", "BufferedStream",
		"TcpClient", "UdpClient", "Socket", "HttpClient", "WebClient", "HttpResponseMessage",
		"Process", "Timer", "Mutex", "Semaphore", "EventWaitHandle", "CancellationTokenSource",
		"IDisposable",
	} {
		l.AddResourceType(t)
	}
	for _, m := range []string{"Dispose", "Close", "DisposeAsync"} {
		l.AddDisposeMethod(m)
	}
	for _, w := range []string{
		"StreamReader", "StreamWriter", "BinaryReader", "BinaryWriter",
		"GZipStream", "DeflateStream", "CryptoStream", "BufferedStream",
	} {
		l.AddWrapper(w, 0)
	}
	for _, f := range []string{
		"ExecuteReader", "ExecuteReaderAsync", "BeginTransaction", "CreateCommand",
		"File.Open", "File.OpenRead", "File.OpenWrite", "File.Create",
		"File.OpenText", "File.CreateText", "File.AppendText",
		"Process.Start", "GetResponse", "GetStream",
	} {
		l.AddFactory(f)
	}
	return l
}

// SimpleTypeName 去掉命名空间、泛型参数、可空标记和数组标记
func SimpleTypeName(t string) string {
	t = strings.TrimSpace(t)
	if i := strings.IndexByte(t, '<'); i >= 0 {
		t = t[:i]
	}
	if i := strings.IndexByte(t, '['); i >= 0 {
		t = t[:i]
	}
	t = strings.TrimLeft(t, "*&")
	t = strings.TrimSuffix(t, "?")
	if i := strings.LastIndexByte(t, '.'); i >= 0 {
		t = t[i+1:]
	}
	return t
}

func (l *Library) AddResourceType(t string) { l.resourceTypes[SimpleTypeName(t)] = true }

func (l *Library) AddDisposeMethod(m string) { l.disposeMethods[m] = true }

// AddWrapper 注册包装类型：构造时第 arg 个参数与新对象共享生命周期
func (l *Library) AddWrapper(t string, arg int) {
	l.wrapperTypes[SimpleTypeName(t)] = arg
}

// AddFactory 注册返回新资源的方法，形如 Method 或 Type.Method
func (l *Library) AddFactory(m string) { l.factoryMethods[m] = true }

// AddNotOwning 注册返回值不携带释放义务的方法
func (l *Library) AddNotOwning(m string) { l.notOwning[m] = true }

// IsResourceType 是否为需要释放的类型（包装类型本身不是新资源）
func (l *Library) IsResourceType(t string) bool {
	return l.resourceTypes[SimpleTypeName(t)]
}

// IsDisposeMethod 是否为释放方法
func (l *Library) IsDisposeMethod(m string) bool { return l.disposeMethods[m] }

// WrappedArg 包装类型返回被包装参数的下标
func (l *Library) WrappedArg(t string) (int, bool) {
	i, ok := l.wrapperTypes[SimpleTypeName(t)]
	return i, ok
}

// IsFactory 按 Type.Method 或 Method 匹配工厂方法
func (l *Library) IsFactory(recvType, method string) bool {
	if recvType != "" && l.factoryMethods[SimpleTypeName(recvType)+"."+method] {
		return true
	}
	return l.factoryMethods[method]
}

// IsNotOwning 返回值不携带释放义务
func (l *Library) IsNotOwning(recvType, method string) bool {
	if recvType != "" && l.notOwning[SimpleTypeName(recvType)+"."+method] {
		return true
	}
	return l.notOwning[method]
}

// AddUnit 吸收源码中的注解：[MustCall] 类型是资源，
// 构造参数上的 [MustCallAlias] 使类型成为包装类型，[NotOwning] 方法不返回义务
func (l *Library) AddUnit(u *Unit) {
	for _, c := range u.Classes {
		if HasAttribute(c.Attributes, "MustCall") {
			l.AddResourceType(c.Name)
		}
	}
	for _, p := range u.Procedures {
		if p.IsConstructor {
			for i, prm := range p.Params {
				if HasAttribute(prm.Attributes, "MustCallAlias") {
					l.AddWrapper(p.Class, i)
				}
			}
		}
		if HasAttribute(p.Attributes, "NotOwning") {
			l.AddNotOwning(p.Class + "." + p.Name)
		}
	}
}

// Clone 复制注解集合，供按文件追加源码注解
func (l *Library) Clone() *Library {
	c := NewLibrary()
	for k, v := range l.resourceTypes {
		c.resourceTypes[k] = v
	}
	for k, v := range l.disposeMethods {
		c.disposeMethods[k] = v
	}
	for k, v := range l.wrapperTypes {
		c.wrapperTypes[k] = v
	}
	for k, v := range l.factoryMethods {
		c.factoryMethods[k] = v
	}
	for k, v := range l.notOwning {
		c.notOwning[k] = v
	}
	return c
}
