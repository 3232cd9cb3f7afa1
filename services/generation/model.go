package generation

import (
	"time"

	"gorm.io/datatypes"
)

// Generation groups the content tasks created from one user request.
type Generation struct {
	ID             string         `gorm:"column:id;primaryKey;type:varchar(20)" json:"-"`
	UUID           string         `gorm:"column:uuid;uniqueIndex;type:char(36);not null" json:"generation_id"`
	OwnerID        string         `gorm:"column:owner_id;index;type:varchar(64);not null" json:"owner_id"`
	Mode           Mode           `gorm:"column:mode;type:varchar(20);not null" json:"mode"`
	Request        datatypes.JSON `gorm:"column:request" json:"request,omitempty"`
	TaskCount      int            `gorm:"column:task_count;not null" json:"task_count"`
	Status         Status         `gorm:"column:status;index;type:varchar(20);default:'pending'" json:"status"`
	Metadata       datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
	LastAccessedAt *time.Time     `gorm:"column:last_accessed_at" json:"last_accessed_at,omitempty"`
	ArchivedAt     *time.Time     `gorm:"column:archived_at;index" json:"archived_at,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	Contents       []Content      `gorm:"foreignKey:GenerationID" json:"contents,omitempty"`
}

func (Generation) TableName() string { return "generations" }

// Content is one unit of generated audio tracked through the provider.
type Content struct {
	ID               string         `gorm:"column:id;primaryKey;type:varchar(20)" json:"id"`
	ProviderTaskID   string         `gorm:"column:provider_task_id;uniqueIndex;type:varchar(128);not null" json:"provider_task_id"`
	OwnerID          string         `gorm:"column:owner_id;index;type:varchar(64);not null" json:"owner_id"`
	GenerationID     *string        `gorm:"column:generation_id;index;type:varchar(20)" json:"-"`
	Status           Status         `gorm:"column:status;index;type:varchar(20);default:'pending'" json:"status"`
	ContentURL       string         `gorm:"column:content_url;type:text" json:"content_url,omitempty"`
	ThumbnailURL     string         `gorm:"column:thumbnail_url;type:text" json:"thumbnail_url,omitempty"`
	DurationMs       int64          `gorm:"column:duration_ms" json:"duration_ms,omitempty"`
	ProviderMetadata datatypes.JSON `gorm:"column:provider_metadata" json:"provider_metadata,omitempty"`
	ErrorMessage     string         `gorm:"column:error_message;type:text" json:"error_message,omitempty"`
	FailCode         string         `gorm:"column:fail_code;type:varchar(64)" json:"fail_code,omitempty"`
	ErrorCategory    string         `gorm:"column:error_category;type:varchar(32)" json:"error_category,omitempty"`
	CreatedAt        time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	StartedAt        *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt      *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	LastCheckedAt    *time.Time     `gorm:"column:last_checked_at" json:"last_checked_at,omitempty"`
}

func (Content) TableName() string { return "generated_contents" }

// Models lists every table owned by this package, for migrations and tests.
func Models() []any {
	return []any{&Generation{}, &Content{}}
}
