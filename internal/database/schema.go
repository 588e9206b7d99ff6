package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobQueued    string = "QUEUED"
	JobRunning   string = "RUNNING"
	JobCompleted string = "COMPLETED"
	JobFailed    string = "FAILED"
	JobStopped   string = "STOPPED"
)

const (
	EndpointCreating  string = "CREATING"
	EndpointInService string = "IN_SERVICE"
	EndpointDeleted   string = "DELETED"
	EndpointFailed    string = "FAILED"
)

// TrainingJob is the local record of a job submitted to the platform. The
// platform owns the job itself; this row only mirrors what was submitted
// and the last observed status.
type TrainingJob struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	JobName    string `gorm:"uniqueIndex;not null"`
	EntryPoint string `gorm:"not null"`
	SourceDir  string

	InstanceType     string `gorm:"size:32;not null"`
	InstanceCount    int    `gorm:"not null"`
	Strategy         string `gorm:"size:20;not null"`
	ProcessesPerHost int

	Hyperparameters datatypes.JSON `gorm:"type:jsonb"`
	OutputPath      string

	Status        string `gorm:"size:20;not null"`
	ArtifactPath  sql.NullString
	FailureReason sql.NullString

	CreationTime   time.Time
	CompletionTime sql.NullTime

	Channels []JobChannel `gorm:"foreignKey:JobId;constraint:OnDelete:CASCADE"`
}

type JobChannel struct {
	JobId uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name  string    `gorm:"primaryKey"`
	S3URI string    `gorm:"not null"`
}

type Endpoint struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name string `gorm:"uniqueIndex;not null"`

	JobId uuid.NullUUID `gorm:"type:uuid"`
	Job   *TrainingJob  `gorm:"foreignKey:JobId"`

	InstanceType         string `gorm:"size:32;not null"`
	AcceleratorType      sql.NullString
	InitialInstanceCount int `gorm:"not null"`
	ArtifactPath         string

	Status       string `gorm:"size:20;not null"`
	CreationTime time.Time
	DeletionTime sql.NullTime
}

func IsTerminalJobStatus(status string) bool {
	return status == JobCompleted || status == JobFailed || status == JobStopped
}
