package builtin

import (
	"context"
	"fmt"
	"strings"

	"workhub/internal/entity"
	"workhub/internal/tools"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EmailConfig 邮件工具配置
type EmailConfig struct {
	AllowedDomains []string // 允许发送的收件人域名白名单，空表示不限制
	MaxRecipients  int
}

// EmailTool 将邮件写入发件箱，由外部投递服务发送
type EmailTool struct {
	db     *gorm.DB
	config EmailConfig
}

// NewEmailTool 创建邮件工具
func NewEmailTool(db *gorm.DB, config EmailConfig) *EmailTool {
	if config.MaxRecipients <= 0 {
		config.MaxRecipients = 10
	}
	return &EmailTool{db: db, config: config}
}

func (t *EmailTool) Name() string        { return "send_email" }
func (t *EmailTool) Category() string    { return tools.CategoryEmail }
func (t *EmailTool) Description() string { return "向客户或成员发送邮件通知" }

func (t *EmailTool) Parameters() map[string]any {
	return objectSchema([]string{"to", "subject", "body"}, map[string]any{
		"to": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "收件人邮箱列表",
		},
		"cc": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "抄送邮箱列表（可选）",
		},
		"subject": prop("string", "邮件主题"),
		"body":    prop("string", "邮件正文"),
		"html":    prop("boolean", "是否为 HTML 格式"),
		"team_id": prop("string", "发件团队"),
	})
}

func (t *EmailTool) Execute(ctx context.Context, params map[string]any) (map[string]any, error) {
	to := stringList(params, "to")
	if len(to) == 0 {
		return nil, fmt.Errorf("缺少必需参数: to")
	}
	cc := stringList(params, "cc")
	if len(to)+len(cc) > t.config.MaxRecipients {
		return nil, fmt.Errorf("收件人过多，最多 %d 个", t.config.MaxRecipients)
	}
	subject, err := requiredString(params, "subject")
	if err != nil {
		return nil, err
	}
	body, err := requiredString(params, "body")
	if err != nil {
		return nil, err
	}

	for _, addr := range append(append([]string{}, to...), cc...) {
		if !t.isAllowedRecipient(addr) {
			return nil, fmt.Errorf("收件人 %s 不在允许范围内", addr)
		}
	}

	isHTML, _ := params["html"].(bool)
	mail := &entity.OutboundEmail{
		ID:      uuid.New().String(),
		TeamID:  optionalString(params, "team_id"),
		To:      to,
		Cc:      cc,
		Subject: subject,
		Body:    body,
		IsHTML:  isHTML,
		Status:  "queued",
	}
	if err := t.db.WithContext(ctx).Create(mail).Error; err != nil {
		return nil, fmt.Errorf("写入发件箱失败: %w", err)
	}

	return map[string]any{
		"email_id":   mail.ID,
		"status":     mail.Status,
		"recipients": len(to) + len(cc),
		"subject":    subject,
	}, nil
}

func (t *EmailTool) isAllowedRecipient(addr string) bool {
	parts := strings.Split(addr, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return false
	}
	if len(t.config.AllowedDomains) == 0 {
		return true
	}
	domain := strings.ToLower(parts[1])
	for _, allowed := range t.config.AllowedDomains {
		if strings.ToLower(allowed) == domain {
			return true
		}
	}
	return false
}
