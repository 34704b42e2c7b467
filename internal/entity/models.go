package entity

import (
	"time"

	"workhub/internal/ref"
)

// Entity 可触发编排的领域实体
type Entity interface {
	// EntityRef 实体的多态引用
	EntityRef() ref.Ref
	// EntityTeamID 实体所属团队
	EntityTeamID() string
	// Attributes 供触发条件读取的字段快照
	Attributes() map[string]any
}

// Team 团队（组织）
type Team struct {
	ID       string `json:"id" gorm:"primaryKey;type:uuid"`
	Name     string `json:"name" gorm:"size:255;not null"`
	Industry string `json:"industry" gorm:"size:100"`
	Timezone string `json:"timezone" gorm:"size:64"`
	Website  string `json:"website" gorm:"size:255"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// Client 客户（参与方）
type Client struct {
	ID       string `json:"id" gorm:"primaryKey;type:uuid"`
	TeamID   string `json:"teamId" gorm:"type:uuid;not null;index"`
	Name     string `json:"name" gorm:"size:255;not null"`
	Industry string `json:"industry" gorm:"size:100"`
	Email    string `json:"email" gorm:"size:255"`
	Notes    string `json:"notes" gorm:"type:text"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// Project 项目
type Project struct {
	ID          string  `json:"id" gorm:"primaryKey;type:uuid"`
	TeamID      string  `json:"teamId" gorm:"type:uuid;not null;index"`
	ClientID    *string `json:"clientId,omitempty" gorm:"type:uuid;index"`
	Name        string  `json:"name" gorm:"size:255;not null"`
	Status      string  `json:"status" gorm:"size:50;not null;default:active"`
	Description string  `json:"description" gorm:"type:text"`
	Budget      float64 `json:"budget" gorm:"default:0"`

	Client     *Client     `json:"client,omitempty" gorm:"foreignKey:ClientID"`
	WorkOrders []WorkOrder `json:"workOrders,omitempty" gorm:"foreignKey:ProjectID"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// WorkOrder 工单
type WorkOrder struct {
	ID        string     `json:"id" gorm:"primaryKey;type:uuid"`
	TeamID    string     `json:"teamId" gorm:"type:uuid;not null;index"`
	ProjectID string     `json:"projectId" gorm:"type:uuid;index"`
	Title     string     `json:"title" gorm:"size:255;not null"`
	Status    string     `json:"status" gorm:"size:50;not null;default:draft"`
	Priority  string     `json:"priority" gorm:"size:20"`
	Budget    float64    `json:"budget" gorm:"default:0"`
	Tags      []string   `json:"tags" gorm:"type:jsonb;serializer:json"`
	DueAt     *time.Time `json:"dueAt,omitempty"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// Deliverable 交付物
type Deliverable struct {
	ID          string   `json:"id" gorm:"primaryKey;type:uuid"`
	TeamID      string   `json:"teamId" gorm:"type:uuid;not null;index"`
	ProjectID   string   `json:"projectId" gorm:"type:uuid;index"`
	WorkOrderID *string  `json:"workOrderId,omitempty" gorm:"type:uuid;index"`
	Name        string   `json:"name" gorm:"size:255;not null"`
	Status      string   `json:"status" gorm:"size:50;not null;default:draft"`
	Budget      float64  `json:"budget" gorm:"default:0"`
	Tags        []string `json:"tags" gorm:"type:jsonb;serializer:json"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// OutboundEmail 待发送邮件（由外部投递服务消费）
type OutboundEmail struct {
	ID      string   `json:"id" gorm:"primaryKey;type:uuid"`
	TeamID  string   `json:"teamId" gorm:"type:uuid;index"`
	To      []string `json:"to" gorm:"type:jsonb;serializer:json"`
	Cc      []string `json:"cc" gorm:"type:jsonb;serializer:json"`
	Subject string   `json:"subject" gorm:"size:500;not null"`
	Body    string   `json:"body" gorm:"type:text"`
	IsHTML  bool     `json:"isHtml"`
	Status  string   `json:"status" gorm:"size:20;not null;default:queued"` // queued, sent, failed

	CreatedAt time.Time  `json:"createdAt" gorm:"not null;autoCreateTime"`
	SentAt    *time.Time `json:"sentAt,omitempty"`
}

func (w *WorkOrder) EntityRef() ref.Ref   { return ref.New(ref.TypeWorkOrder, w.ID) }
func (w *WorkOrder) EntityTeamID() string { return w.TeamID }

func (w *WorkOrder) Attributes() map[string]any {
	return map[string]any{
		"id":         w.ID,
		"title":      w.Title,
		"status":     w.Status,
		"priority":   w.Priority,
		"budget":     w.Budget,
		"tags":       w.Tags,
		"project_id": w.ProjectID,
	}
}

func (d *Deliverable) EntityRef() ref.Ref   { return ref.New(ref.TypeDeliverable, d.ID) }
func (d *Deliverable) EntityTeamID() string { return d.TeamID }

func (d *Deliverable) Attributes() map[string]any {
	return map[string]any{
		"id":         d.ID,
		"name":       d.Name,
		"status":     d.Status,
		"budget":     d.Budget,
		"tags":       d.Tags,
		"project_id": d.ProjectID,
	}
}

func (p *Project) EntityRef() ref.Ref   { return ref.New(ref.TypeProject, p.ID) }
func (p *Project) EntityTeamID() string { return p.TeamID }

func (p *Project) Attributes() map[string]any {
	return map[string]any{
		"id":     p.ID,
		"name":   p.Name,
		"status": p.Status,
		"budget": p.Budget,
	}
}

// AllModels 需要迁移的实体表
func AllModels() []any {
	return []any{&Team{}, &Client{}, &Project{}, &WorkOrder{}, &Deliverable{}, &OutboundEmail{}}
}
