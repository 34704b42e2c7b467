package approval

import (
	"time"

	"workhub/internal/ref"
)

// InboxType 收件箱条目类型
type InboxType string

const (
	InboxTypeApproval     InboxType = "approval"
	InboxTypeNotification InboxType = "notification"
)

// 紧急程度
const (
	UrgencyLow    = "low"
	UrgencyNormal = "normal"
	UrgencyHigh   = "high"
)

// InboxItem 面向人工的审批/通知条目
type InboxItem struct {
	ID             string    `json:"id" gorm:"primaryKey;type:uuid"`
	TeamID         string    `json:"teamId" gorm:"type:uuid;not null;index"`
	Type           InboxType `json:"type" gorm:"size:30;not null"`
	Title          string    `json:"title" gorm:"size:255;not null"`
	Description    string    `json:"description" gorm:"type:text"`
	SourceType     string    `json:"sourceType" gorm:"size:50"`
	SourceID       string    `json:"sourceId" gorm:"size:64"`
	ApprovableType string    `json:"approvableType" gorm:"size:50;index:idx_inbox_approvable"`
	ApprovableID   string    `json:"approvableId" gorm:"size:64;index:idx_inbox_approvable"`
	Urgency        string    `json:"urgency" gorm:"size:20;not null"`

	ApprovedAt      *time.Time `json:"approvedAt,omitempty"`
	ApprovedBy      *string    `json:"approvedBy,omitempty" gorm:"size:64"`
	RejectedAt      *time.Time `json:"rejectedAt,omitempty"`
	RejectedBy      *string    `json:"rejectedBy,omitempty" gorm:"size:64"`
	RejectionReason string     `json:"rejectionReason,omitempty" gorm:"type:text"`

	CreatedAt time.Time `json:"createdAt" gorm:"not null;autoCreateTime;index"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"not null;autoUpdateTime"`
}

// Approvable 被审批对象的引用
func (i *InboxItem) Approvable() ref.Ref {
	return ref.New(i.ApprovableType, i.ApprovableID)
}

// IsResolved 是否已处理
func (i *InboxItem) IsResolved() bool {
	return i.ApprovedAt != nil || i.RejectedAt != nil
}

// AllModels 需要迁移的表
func AllModels() []any {
	return []any{&InboxItem{}}
}
