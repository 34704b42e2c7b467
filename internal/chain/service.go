package chain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrTemplateNotFound 模板不存在或对团队不可见
var ErrTemplateNotFound = errors.New("chain template not found")

// Service 链与链模板的管理
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// ServiceOption 服务选项
type ServiceOption func(*Service)

// WithServiceLogger 注入日志器
func WithServiceLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// NewService 创建服务
func NewService(db *gorm.DB, opts ...ServiceOption) *Service {
	s := &Service{db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateChain 校验定义后保存链
func (s *Service) CreateChain(ctx context.Context, c *AgentChain) error {
	c.Definition.normalize()
	if err := c.Definition.Validate(); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return fmt.Errorf("创建链失败: %w", err)
	}
	return nil
}

// GetChain 获取团队的链
func (s *Service) GetChain(ctx context.Context, teamID, id string) (*AgentChain, error) {
	var c AgentChain
	if err := s.db.WithContext(ctx).Where("id = ? AND team_id = ?", id, teamID).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrChainNotFound, id)
		}
		return nil, fmt.Errorf("查询链失败: %w", err)
	}
	return &c, nil
}

// SetEnabled 启用或停用链
func (s *Service) SetEnabled(ctx context.Context, teamID, id string, enabled bool) error {
	res := s.db.WithContext(ctx).Model(&AgentChain{}).
		Where("id = ? AND team_id = ?", id, teamID).
		Update("enabled", enabled)
	if res.Error != nil {
		return fmt.Errorf("更新链状态失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrChainNotFound, id)
	}
	return nil
}

// ListTemplates 团队可见的模板：系统模板加本团队模板
func (s *Service) ListTemplates(ctx context.Context, teamID string) ([]*AgentChainTemplate, error) {
	var out []*AgentChainTemplate
	err := s.db.WithContext(ctx).
		Where("team_id IS NULL OR team_id = ?", teamID).
		Order("is_system DESC, name ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("查询链模板失败: %w", err)
	}
	return out, nil
}

// SaveTemplate 按 code 创建或更新模板
func (s *Service) SaveTemplate(ctx context.Context, tpl *AgentChainTemplate) error {
	tpl.Definition.normalize()
	if err := tpl.Definition.Validate(); err != nil {
		return fmt.Errorf("模板 %s: %w", tpl.Code, err)
	}
	if tpl.ID == "" {
		tpl.ID = uuid.New().String()
	}
	tpl.IsSystem = tpl.TeamID == nil

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "code"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "description", "category", "chain_definition", "updated_at"}),
	}).Create(tpl).Error
	if err != nil {
		return fmt.Errorf("保存链模板失败: %w", err)
	}
	return nil
}

// InstantiateTemplate 用模板为团队创建一条新链
func (s *Service) InstantiateTemplate(ctx context.Context, templateID, teamID, name string) (*AgentChain, error) {
	var tpl AgentChainTemplate
	err := s.db.WithContext(ctx).
		Where("id = ? AND (team_id IS NULL OR team_id = ?)", templateID, teamID).
		First(&tpl).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTemplateNotFound, templateID)
		}
		return nil, fmt.Errorf("查询链模板失败: %w", err)
	}
	if name == "" {
		name = tpl.Name
	}

	c := &AgentChain{
		TeamID:      teamID,
		Name:        name,
		Description: tpl.Description,
		Definition:  tpl.Definition,
		TemplateID:  &tpl.ID,
		Enabled:     true,
	}
	if err := s.CreateChain(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info("已从模板创建链",
		zap.String("template", tpl.Code),
		zap.String("chain_id", c.ID),
		zap.String("team_id", teamID),
	)
	return c, nil
}

type templateFile struct {
	Code        string           `yaml:"code"`
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Category    string           `yaml:"category"`
	Steps       []StepDefinition `yaml:"steps"`
}

// LoadTemplatesFromDirectory 从目录加载系统模板（*.yaml, *.yml），返回加载数量
func (s *Service) LoadTemplatesFromDirectory(ctx context.Context, dirPath string) (int, error) {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		return 0, fmt.Errorf("读取链模板目录失败: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	loaded := 0
	var errs []error
	for _, name := range names {
		path := filepath.Join(dirPath, name)
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("读取链模板失败: %w", err))
			continue
		}
		var file templateFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w: %v", path, ErrInvalidDefinition, err))
			continue
		}
		if file.Code == "" {
			file.Code = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if file.Name == "" {
			file.Name = file.Code
		}

		tpl := &AgentChainTemplate{
			Code:        file.Code,
			Name:        file.Name,
			Description: file.Description,
			Category:    file.Category,
			Definition:  ChainDefinition{Steps: file.Steps},
		}
		if err := s.SaveTemplate(ctx, tpl); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		loaded++
	}

	s.logger.Info("链模板加载完成", zap.Int("loaded", loaded), zap.String("dir", dirPath))
	return loaded, errors.Join(errs...)
}
