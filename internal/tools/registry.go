package tools

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	xerrors "OpenWallet-Agent/internal/errors"
	"OpenWallet-Agent/internal/vault"
)

// Tool 是智能体可调用的一个工具。
type Tool interface {
	// Name 返回工具的注册名，运行时按它路由调用。
	Name() string
	// Label 返回展示给用户的中文描述。
	Label() string
	// Description 返回提供给模型的工具说明。
	Description() string
	// Schema 返回输入参数的 JSON Schema。
	Schema() json.RawMessage
	// MoneyMoving 报告该工具是否会移动资金。
	MoneyMoving() bool
	// Execute 执行工具并返回给模型的文本结果。
	Execute(ctx context.Context, creds *vault.Credentials, input json.RawMessage) (string, error)
}

// Registry 按名字维护工具集合。
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry 创建空的工具注册表。
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register 注册工具，名字冲突时返回错误。
func (r *Registry) Register(tool Tool) error {
	if tool == nil || tool.Name() == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "工具或工具名不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return xerrors.New(xerrors.CodeConflict, "工具名已注册: "+tool.Name())
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Get 按名字查找工具。
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// List 返回按名字排序的全部工具。
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	results := make([]Tool, 0, len(names))
	for _, name := range names {
		results = append(results, r.tools[name])
	}
	return results
}
