package entity

import (
	"context"
	"errors"
	"fmt"

	"workhub/internal/ref"

	"gorm.io/gorm"
)

// ErrNotFound 实体不存在
var ErrNotFound = errors.New("entity not found")

// Repository 领域实体只读仓储
type Repository struct {
	db *gorm.DB
}

// NewRepository 创建仓储
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// GetTeam 获取团队
func (r *Repository) GetTeam(ctx context.Context, id string) (*Team, error) {
	var team Team
	if err := r.first(ctx, &team, id); err != nil {
		return nil, err
	}
	return &team, nil
}

// GetClient 获取客户
func (r *Repository) GetClient(ctx context.Context, id string) (*Client, error) {
	var client Client
	if err := r.first(ctx, &client, id); err != nil {
		return nil, err
	}
	return &client, nil
}

// GetProject 获取项目（预加载客户与工单）
func (r *Repository) GetProject(ctx context.Context, id string) (*Project, error) {
	var project Project
	err := r.db.WithContext(ctx).
		Preload("Client").
		Preload("WorkOrders", func(db *gorm.DB) *gorm.DB { return db.Order("created_at DESC") }).
		Where("id = ?", id).
		First(&project).Error
	if err != nil {
		return nil, wrapNotFound(err, "project", id)
	}
	return &project, nil
}

// GetWorkOrder 获取工单
func (r *Repository) GetWorkOrder(ctx context.Context, id string) (*WorkOrder, error) {
	var wo WorkOrder
	if err := r.first(ctx, &wo, id); err != nil {
		return nil, err
	}
	return &wo, nil
}

// GetDeliverable 获取交付物
func (r *Repository) GetDeliverable(ctx context.Context, id string) (*Deliverable, error) {
	var d Deliverable
	if err := r.first(ctx, &d, id); err != nil {
		return nil, err
	}
	return &d, nil
}

// RegisterLoaders 向引用注册表登记实体加载器
func (r *Repository) RegisterLoaders(reg *ref.Registry) {
	reg.Register(ref.TypeWorkOrder, func(ctx context.Context, id string) (any, error) { return r.GetWorkOrder(ctx, id) })
	reg.Register(ref.TypeDeliverable, func(ctx context.Context, id string) (any, error) { return r.GetDeliverable(ctx, id) })
	reg.Register(ref.TypeProject, func(ctx context.Context, id string) (any, error) { return r.GetProject(ctx, id) })
	reg.Register(ref.TypeTeam, func(ctx context.Context, id string) (any, error) { return r.GetTeam(ctx, id) })
	reg.Register(ref.TypeClient, func(ctx context.Context, id string) (any, error) { return r.GetClient(ctx, id) })
}

// LoadEntity 按引用加载可触发实体
func (r *Repository) LoadEntity(ctx context.Context, target ref.Ref) (Entity, error) {
	var (
		e   Entity
		err error
	)
	switch target.Type {
	case ref.TypeWorkOrder:
		var wo *WorkOrder
		wo, err = r.GetWorkOrder(ctx, target.ID)
		e = wo
	case ref.TypeDeliverable:
		var d *Deliverable
		d, err = r.GetDeliverable(ctx, target.ID)
		e = d
	case ref.TypeProject:
		var p *Project
		p, err = r.GetProject(ctx, target.ID)
		e = p
	default:
		return nil, fmt.Errorf("%w: %s", ref.ErrUnknownType, target.Type)
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *Repository) first(ctx context.Context, dest any, id string) error {
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(dest).Error; err != nil {
		return wrapNotFound(err, fmt.Sprintf("%T", dest), id)
	}
	return nil
}

func wrapNotFound(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
	}
	return fmt.Errorf("查询 %s 失败: %w", kind, err)
}
