package task

import (
	"time"

	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobStatusRunning JobStatus = "running"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailed  JobStatus = "failed"
)

// Task is a scheduled maintenance entry. Setting IsActive to false stops the
// scheduler from enqueuing it without a deploy.
type Task struct {
	Name        string    `gorm:"column:name;primaryKey;type:varchar(100)"`
	Description string    `gorm:"column:description;type:text"`
	Schedule    string    `gorm:"column:schedule;type:varchar(50)"` // cron format
	IsActive    bool      `gorm:"column:is_active;not null;default:true"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

func (Task) TableName() string { return "maintenance_tasks" }

// Job is one execution of a task.
type Job struct {
	ID          string         `gorm:"column:id;primaryKey;type:varchar(32)"`
	TaskName    string         `gorm:"column:task_name;type:varchar(100);index;not null"`
	Status      JobStatus      `gorm:"column:status;type:varchar(20);not null"`
	Affected    int64          `gorm:"column:affected;not null;default:0"`
	ErrorMsg    string         `gorm:"column:error_msg;type:text"`
	StartedAt   *time.Time     `gorm:"column:started_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at"`
	CreatedAt   time.Time      `gorm:"autoCreateTime"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime"`
	Metadata    datatypes.JSON `gorm:"column:metadata"`
}

func (Job) TableName() string { return "maintenance_jobs" }
