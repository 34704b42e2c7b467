package ref

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnknownType 未注册的引用类型
	ErrUnknownType = errors.New("unknown reference type")
	// ErrEmptyRef 空引用
	ErrEmptyRef = errors.New("empty reference")
)

// 已知的引用类型标签
const (
	TypeWorkflowState = "agent_workflow_state"
	TypeWorkOrder     = "work_order"
	TypeDeliverable   = "deliverable"
	TypeProject       = "project"
	TypeClient        = "client"
	TypeTeam          = "team"
	TypeChainExec     = "agent_chain_execution"
)

// Ref 多态引用（类型标签 + ID）
// 替代 approvable / triggerable 这类语言层面的多态外键
type Ref struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// New 创建引用
func New(typeTag, id string) Ref {
	return Ref{Type: typeTag, ID: id}
}

// IsZero 是否为空引用
func (r Ref) IsZero() bool {
	return r.Type == "" && r.ID == ""
}

// String 便于日志输出
func (r Ref) String() string {
	if r.IsZero() {
		return "<nil>"
	}
	return r.Type + ":" + r.ID
}

// Value 实现 driver.Valuer，以 JSON 存储
func (r Ref) Value() (driver.Value, error) {
	if r.IsZero() {
		return nil, nil
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType 作为单列存储时的列类型；作为两列存储时使用 embedded 标签
func (Ref) GormDataType() string {
	return "text"
}

// Scan 实现 sql.Scanner
func (r *Ref) Scan(value any) error {
	if value == nil {
		*r = Ref{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("无法解析引用: %T", value)
	}
	if len(data) == 0 {
		*r = Ref{}
		return nil
	}
	return json.Unmarshal(data, r)
}

// Loader 按 ID 加载被引用的对象
type Loader func(ctx context.Context, id string) (any, error)

// Registry 引用加载器注册表
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]Loader
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{loaders: make(map[string]Loader)}
}

// Register 注册类型加载器（同名覆盖）
func (r *Registry) Register(typeTag string, loader Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[typeTag] = loader
}

// Has 是否注册了某类型
func (r *Registry) Has(typeTag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loaders[typeTag]
	return ok
}

// Resolve 解析引用
func (r *Registry) Resolve(ctx context.Context, target Ref) (any, error) {
	if target.IsZero() {
		return nil, ErrEmptyRef
	}
	r.mu.RLock()
	loader, ok := r.loaders[target.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, target.Type)
	}
	return loader(ctx, target.ID)
}

// ResolveAs 解析并断言为具体类型
func ResolveAs[T any](ctx context.Context, r *Registry, target Ref) (T, error) {
	var zero T
	obj, err := r.Resolve(ctx, target)
	if err != nil {
		return zero, err
	}
	typed, ok := obj.(T)
	if !ok {
		return zero, fmt.Errorf("引用 %s 类型不匹配: %T", target, obj)
	}
	return typed, nil
}
