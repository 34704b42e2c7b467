package memory

import (
	"fmt"
	"time"

	"workhub/internal/ref"

	"gorm.io/datatypes"
)

// Scope 记忆作用域
type Scope string

const (
	ScopeProject Scope = "project"
	ScopeClient  Scope = "client"
	ScopeOrg     Scope = "org"
	ScopeChain   Scope = "chain"
)

// ParseScope 解析作用域名称
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeProject, ScopeClient, ScopeOrg, ScopeChain:
		return Scope(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
	}
}

// TargetType 作用域对应的引用类型
func (s Scope) TargetType() string {
	switch s {
	case ScopeProject:
		return ref.TypeProject
	case ScopeClient:
		return ref.TypeClient
	case ScopeOrg:
		return ref.TypeTeam
	case ScopeChain:
		return ref.TypeChainExec
	default:
		return ""
	}
}

// AgentMemory 作用域键值记录
type AgentMemory struct {
	ID        string         `json:"id" gorm:"primaryKey;type:uuid"`
	TeamID    string         `json:"teamId" gorm:"type:uuid;not null;uniqueIndex:idx_agent_memory_key,priority:1"`
	AgentID   *string        `json:"agentId,omitempty" gorm:"type:uuid;index"`
	Scope     Scope          `json:"scope" gorm:"size:20;not null;uniqueIndex:idx_agent_memory_key,priority:2"`
	ScopeType string         `json:"scopeType" gorm:"size:50;not null"`
	ScopeID   string         `json:"scopeId" gorm:"size:64;not null;uniqueIndex:idx_agent_memory_key,priority:3"`
	Key       string         `json:"key" gorm:"size:255;not null;uniqueIndex:idx_agent_memory_key,priority:4"`
	Value     datatypes.JSON `json:"value" gorm:"type:jsonb"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty" gorm:"index"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// Target 作用域目标的多态引用
func (m *AgentMemory) Target() ref.Ref {
	return ref.New(m.ScopeType, m.ScopeID)
}

// IsExpired 在给定时间点是否已过期
func (m *AgentMemory) IsExpired(now time.Time) bool {
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// AllModels 需要迁移的表
func AllModels() []any {
	return []any{&AgentMemory{}}
}
