package budget

import (
	"context"
	"errors"
	"fmt"

	"workhub/internal/agent"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidCost 成本不能为负
	ErrInvalidCost = errors.New("invalid cost")
	// ErrConfigurationNotFound 配置不存在
	ErrConfigurationNotFound = errors.New("agent configuration not found")
)

// DeductionRecorder 扣费指标接口
type DeductionRecorder interface {
	RecordBudgetDeduction(teamID string, cost float64)
}

// Service 智能体预算服务
// 花费字段只从数据库读写，不在进程内缓存
type Service struct {
	db       *gorm.DB
	logger   *zap.Logger
	recorder DeductionRecorder
}

// Option 服务选项
type Option func(*Service)

// WithLogger 注入日志器
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithDeductionRecorder 注入扣费指标
func WithDeductionRecorder(r DeductionRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

// NewService 创建预算服务
func NewService(db *gorm.DB, opts ...Option) *Service {
	s := &Service{db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CanRun 判断预计成本能否执行
// 同一个月度上限同时作为日上限与月上限
func (s *Service) CanRun(cfg *agent.AgentConfiguration, projectedCost float64) bool {
	if cfg == nil {
		return false
	}
	if cfg.DailySpend+projectedCost > cfg.MonthlyBudgetCap {
		return false
	}
	if cfg.CurrentMonthSpend+projectedCost > cfg.MonthlyBudgetCap {
		return false
	}
	return true
}

// CanRunForTeam 在 CanRun 之外再检查团队总预算（TotalMonthlyBudget 为 0 表示不限）
func (s *Service) CanRunForTeam(cfg *agent.AgentConfiguration, settings *agent.GlobalAISettings, projectedCost float64) bool {
	if !s.CanRun(cfg, projectedCost) {
		return false
	}
	if settings == nil || settings.TotalMonthlyBudget <= 0 {
		return true
	}
	return settings.CurrentSpend+projectedCost <= settings.TotalMonthlyBudget
}

// GetDailyRemaining 当日剩余额度，可能为负
func (s *Service) GetDailyRemaining(cfg *agent.AgentConfiguration) float64 {
	return cfg.MonthlyBudgetCap - cfg.DailySpend
}

// GetMonthlyRemaining 当月剩余额度，可能为负
func (s *Service) GetMonthlyRemaining(cfg *agent.AgentConfiguration) float64 {
	return cfg.MonthlyBudgetCap - cfg.CurrentMonthSpend
}

// Status 预算状态快照
type Status struct {
	ConfigurationID   string  `json:"configurationId"`
	MonthlyBudgetCap  float64 `json:"monthlyBudgetCap"`
	DailySpend        float64 `json:"dailySpend"`
	CurrentMonthSpend float64 `json:"currentMonthSpend"`
	DailyRemaining    float64 `json:"dailyRemaining"`
	MonthlyRemaining  float64 `json:"monthlyRemaining"`
}

// GetStatus 读取最新的预算状态
func (s *Service) GetStatus(ctx context.Context, teamID, agentID string) (*Status, error) {
	var cfg agent.AgentConfiguration
	err := s.db.WithContext(ctx).
		Where("team_id = ? AND agent_id = ?", teamID, agentID).
		First(&cfg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConfigurationNotFound
		}
		return nil, fmt.Errorf("查询预算状态失败: %w", err)
	}
	return &Status{
		ConfigurationID:   cfg.ID,
		MonthlyBudgetCap:  cfg.MonthlyBudgetCap,
		DailySpend:        cfg.DailySpend,
		CurrentMonthSpend: cfg.CurrentMonthSpend,
		DailyRemaining:    s.GetDailyRemaining(&cfg),
		MonthlyRemaining:  s.GetMonthlyRemaining(&cfg),
	}, nil
}

// DeductCost 原子地累加日花费与月花费，并同步团队当月总花费
// 成功后 cfg 中的花费字段更新为数据库中的最新值
func (s *Service) DeductCost(ctx context.Context, cfg *agent.AgentConfiguration, actualCost float64) error {
	if cfg == nil || cfg.ID == "" {
		return ErrConfigurationNotFound
	}
	if actualCost < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidCost, actualCost)
	}
	if actualCost == 0 {
		return nil
	}

	var updated agent.AgentConfiguration
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var locked agent.AgentConfiguration
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", cfg.ID).
			First(&locked).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrConfigurationNotFound
			}
			return err
		}

		if err := tx.Model(&agent.AgentConfiguration{}).Where("id = ?", locked.ID).Updates(map[string]any{
			"daily_spend":         gorm.Expr("daily_spend + ?", actualCost),
			"current_month_spend": gorm.Expr("current_month_spend + ?", actualCost),
		}).Error; err != nil {
			return err
		}

		if err := tx.Model(&agent.GlobalAISettings{}).
			Where("team_id = ?", locked.TeamID).
			Update("current_spend", gorm.Expr("current_spend + ?", actualCost)).Error; err != nil {
			return err
		}

		return tx.Where("id = ?", locked.ID).First(&updated).Error
	})
	if err != nil {
		if errors.Is(err, ErrConfigurationNotFound) {
			return err
		}
		return fmt.Errorf("扣减智能体预算失败: %w", err)
	}

	cfg.DailySpend = updated.DailySpend
	cfg.CurrentMonthSpend = updated.CurrentMonthSpend
	if s.recorder != nil {
		s.recorder.RecordBudgetDeduction(updated.TeamID, actualCost)
	}
	s.logger.Debug("扣减智能体预算",
		zap.String("team_id", updated.TeamID),
		zap.String("agent_id", updated.AgentID),
		zap.Float64("cost", actualCost),
		zap.Float64("daily_spend", updated.DailySpend),
		zap.Float64("current_month_spend", updated.CurrentMonthSpend),
	)
	return nil
}

// ResetDailySpend 将所有配置的日花费清零，不影响月花费；可重复执行
func (s *Service) ResetDailySpend(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&agent.AgentConfiguration{}).
		Where("daily_spend <> ?", 0).
		Update("daily_spend", 0)
	if result.Error != nil {
		return 0, fmt.Errorf("重置日花费失败: %w", result.Error)
	}
	s.logger.Info("日花费已重置", zap.Int64("rows", result.RowsAffected))
	return result.RowsAffected, nil
}

// ResetMonthlySpend 月初批量清零月花费与团队当月花费；可重复执行
func (s *Service) ResetMonthlySpend(ctx context.Context) (int64, error) {
	var rows int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&agent.AgentConfiguration{}).
			Where("current_month_spend <> ?", 0).
			Update("current_month_spend", 0)
		if result.Error != nil {
			return result.Error
		}
		rows = result.RowsAffected
		return tx.Model(&agent.GlobalAISettings{}).
			Where("current_spend <> ?", 0).
			Update("current_spend", 0).Error
	})
	if err != nil {
		return 0, fmt.Errorf("重置月花费失败: %w", err)
	}
	s.logger.Info("月花费已重置", zap.Int64("rows", rows))
	return rows, nil
}
