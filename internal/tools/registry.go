package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// ErrToolNotFound 工具未注册
	ErrToolNotFound = errors.New("tool not found")
	// ErrNoImplementation 只有声明式定义，没有可执行实现
	ErrNoImplementation = errors.New("tool has no implementation")
)

// 工具权限类别
const (
	CategoryWorkOrders   = "work_orders"
	CategoryTasks        = "tasks"
	CategoryClient       = "client"
	CategoryEmail        = "email"
	CategoryDeliverables = "deliverables"
	CategoryFinancial    = "financial"
	CategoryPlaybooks    = "playbooks"
	CategoryGeneral      = "general"
)

// Tool 可被智能体调用的能力
type Tool interface {
	Name() string
	Description() string
	Category() string
	// Parameters 参数的 JSON Schema
	Parameters() map[string]any
	Execute(ctx context.Context, params map[string]any) (map[string]any, error)
}

// ToolDefinition 工具的声明式元数据
type ToolDefinition struct {
	Name               string         `yaml:"name" json:"name"`
	DisplayName        string         `yaml:"display_name" json:"display_name,omitempty"`
	Category           string         `yaml:"category" json:"category"`
	Description        string         `yaml:"description" json:"description"`
	Parameters         map[string]any `yaml:"parameters" json:"parameters,omitempty"`
	RequiredPermission string         `yaml:"required_permission" json:"required_permission,omitempty"`
	Source             string         `yaml:"-" json:"source,omitempty"` // builtin 或定义文件路径
}

// PermissionCategory 需要的权限类别，未声明时等同于工具类别
func (d *ToolDefinition) PermissionCategory() string {
	if d.RequiredPermission != "" {
		return d.RequiredPermission
	}
	return d.Category
}

// definitionFile 定义文件既可以是单个工具，也可以是 tools 列表
type definitionFile struct {
	ToolDefinition `yaml:",inline"`
	Tools          []ToolDefinition `yaml:"tools" json:"tools"`
}

// ToolRegistry 工具注册表（进程级单例）
type ToolRegistry struct {
	mu          sync.RWMutex
	tools       map[string]Tool            // name -> implementation
	definitions map[string]*ToolDefinition // name -> metadata
}

// NewToolRegistry 创建工具注册表
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:       make(map[string]Tool),
		definitions: make(map[string]*ToolDefinition),
	}
}

// Register 注册工具，同名覆盖
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	r.tools[name] = tool
	r.definitions[name] = &ToolDefinition{
		Name:        name,
		Category:    tool.Category(),
		Description: tool.Description(),
		Parameters:  tool.Parameters(),
		Source:      "builtin",
	}
}

// RegisterDefinition 只登记元数据；已有实现时保留实现
func (r *ToolRegistry) RegisterDefinition(def ToolDefinition) error {
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("工具定义缺少 name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := def
	r.definitions[def.Name] = &copied
	return nil
}

// Unregister 取消注册
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.definitions, name)
}

// Get 获取可执行工具
func (r *ToolRegistry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tool, ok := r.tools[name]; ok {
		return tool, nil
	}
	if _, ok := r.definitions[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrNoImplementation, name)
	}
	return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// Has 是否存在该名称（实现或定义）
func (r *ToolRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.definitions[name]
	return ok
}

// GetDefinition 获取工具定义
func (r *ToolRegistry) GetDefinition(name string) (*ToolDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[name]
	return def, ok
}

// List 按名称排序列出所有定义
func (r *ToolRegistry) List() []*ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*ToolDefinition, 0, len(r.definitions))
	for _, def := range r.definitions {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// ListByCategory 按类别列出
func (r *ToolRegistry) ListByCategory(category string) []*ToolDefinition {
	result := make([]*ToolDefinition, 0)
	for _, def := range r.List() {
		if def.Category == category {
			result = append(result, def)
		}
	}
	return result
}

// Count 已登记的工具数量
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.definitions)
}

// LoadDefinitionsFromDirectory 从目录加载声明式工具定义（*.yaml, *.yml, *.json）
// 只加载元数据，不绑定实现；返回加载数量
func (r *ToolRegistry) LoadDefinitionsFromDirectory(dirPath string) (int, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return 0, fmt.Errorf("读取工具定义目录失败: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	loaded := 0
	var errs []error
	for _, name := range names {
		path := filepath.Join(dirPath, name)
		defs, err := parseDefinitionFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, def := range defs {
			def.Source = path
			if err := r.RegisterDefinition(def); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", path, err))
				continue
			}
			loaded++
		}
	}
	return loaded, errors.Join(errs...)
}

func parseDefinitionFile(path string) ([]ToolDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取工具定义文件失败: %w", err)
	}

	var file definitionFile
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &file)
	} else {
		err = yaml.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("解析工具定义 %s 失败: %w", path, err)
	}

	if len(file.Tools) > 0 {
		return file.Tools, nil
	}
	if file.Name == "" {
		return nil, fmt.Errorf("工具定义 %s 缺少 name", path)
	}
	return []ToolDefinition{file.ToolDefinition}, nil
}
