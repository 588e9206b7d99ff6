package launcher

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tkazusa/sagemaker-distributed-training/internal/database"
	"github.com/tkazusa/sagemaker-distributed-training/internal/messaging"
	"github.com/tkazusa/sagemaker-distributed-training/internal/s3"
	"github.com/tkazusa/sagemaker-distributed-training/internal/training"
	"github.com/tkazusa/sagemaker-distributed-training/pkg/api"
)

var ErrJobNotFound = errors.New("job not found")
var ErrJobNotReady = errors.New("job has no artifact yet")

// Launcher ties the platform client, the staging client, the job ledger,
// and the event publisher together. All dependencies are injected; there
// is no ambient session.
type Launcher struct {
	db        *gorm.DB
	platform  *training.Client
	s3Client  *s3.Client
	publisher messaging.Publisher
}

func NewLauncher(db *gorm.DB, platform *training.Client, s3Client *s3.Client, publisher messaging.Publisher) *Launcher {
	return &Launcher{db: db, platform: platform, s3Client: s3Client, publisher: publisher}
}

func platformToLedgerStatus(status string) string {
	switch status {
	case api.TrainingJobCompleted:
		return database.JobCompleted
	case api.TrainingJobFailed:
		return database.JobFailed
	case api.TrainingJobStopped:
		return database.JobStopped
	default:
		return database.JobRunning
	}
}

func jobEventForStatus(status string) string {
	switch status {
	case database.JobCompleted:
		return messaging.JobCompleted
	case database.JobFailed:
		return messaging.JobFailed
	case database.JobStopped:
		return messaging.JobStopped
	default:
		return messaging.JobRunning
	}
}

// Submit validates the spec, records it in the ledger, and hands it to the
// platform. Validation failures issue no remote call and leave no row
// behind.
func (l *Launcher) Submit(ctx context.Context, spec training.JobSpec, channels []training.DataChannel) (uuid.UUID, *training.JobHandle, error) {
	if err := spec.Validate(); err != nil {
		return uuid.Nil, nil, err
	}
	if err := training.ValidateChannels(channels); err != nil {
		return uuid.Nil, nil, err
	}

	hyperparameters, err := json.Marshal(spec.Hyperparameters)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("failed to serialize hyperparameters: %w", err)
	}

	job := &database.TrainingJob{
		Id:               uuid.New(),
		JobName:          spec.JobName,
		EntryPoint:       spec.EntryPoint,
		SourceDir:        spec.SourceDir,
		InstanceType:     spec.InstanceType,
		InstanceCount:    spec.InstanceCount,
		Strategy:         string(spec.Distribution.Strategy),
		ProcessesPerHost: spec.Distribution.ProcessesPerHost,
		Hyperparameters:  datatypes.JSON(hyperparameters),
		OutputPath:       spec.OutputPath,
		Status:           database.JobQueued,
		CreationTime:     time.Now().UTC(),
	}
	for _, ch := range channels {
		job.Channels = append(job.Channels, database.JobChannel{JobId: job.Id, Name: ch.Name, S3URI: ch.S3URI})
	}

	if err := l.db.WithContext(ctx).Create(job).Error; err != nil {
		slog.Error("error creating job record", "job_name", spec.JobName, "error", err)
		return uuid.Nil, nil, fmt.Errorf("failed to create job record: %w", err)
	}

	handle, err := l.platform.CreateTrainingJob(ctx, spec, channels)
	if err != nil {
		database.SetJobFailure(ctx, l.db, job.Id, database.JobFailed, err.Error()) //nolint:errcheck
		return uuid.Nil, nil, err
	}

	if err := database.UpdateJobStatus(ctx, l.db, job.Id, database.JobRunning); err != nil {
		slog.Warn("submitted job but could not update ledger", "job_id", job.Id, "error", err)
	}

	if err := l.publisher.PublishJobEvent(ctx, messaging.JobEventPayload{
		Event:   messaging.JobSubmitted,
		JobId:   job.Id,
		JobName: handle.JobName,
		Status:  database.JobRunning,
	}); err != nil {
		slog.Error("error publishing job submitted event", "job_id", job.Id, "error", err)
	}

	slog.Info("submitted training job", "job_id", job.Id, "job_name", handle.JobName)
	return job.Id, handle, nil
}

func (l *Launcher) GetJob(ctx context.Context, jobId uuid.UUID) (*database.TrainingJob, error) {
	var job database.TrainingJob
	err := l.db.WithContext(ctx).Preload("Channels").First(&job, "id = ?", jobId).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobId, err)
	}
	return &job, nil
}

func (l *Launcher) handleFromJob(job *database.TrainingJob) *training.JobHandle {
	return &training.JobHandle{
		JobName:       job.JobName,
		InstanceType:  job.InstanceType,
		InstanceCount: job.InstanceCount,
		Distribution: training.Distribution{
			Strategy:         training.Strategy(job.Strategy),
			ProcessesPerHost: job.ProcessesPerHost,
		},
	}
}

// Wait blocks until the platform reports a terminal status, mirrors the
// outcome into the ledger, and publishes the matching event. Remote
// failures are surfaced verbatim; resubmission is up to the caller.
func (l *Launcher) Wait(ctx context.Context, jobId uuid.UUID) (*training.JobResult, error) {
	job, err := l.GetJob(ctx, jobId)
	if err != nil {
		return nil, err
	}

	result, err := l.platform.WaitForTrainingJob(ctx, l.handleFromJob(job))
	if err != nil {
		var remoteErr *training.RemoteError
		if errors.As(err, &remoteErr) {
			database.SetJobFailure(ctx, l.db, job.Id, database.JobFailed, remoteErr.Message) //nolint:errcheck
			l.publishJobEvent(ctx, job.Id, job.JobName, database.JobFailed, "", remoteErr.Message)
		}
		return nil, err
	}

	if err := database.SetJobArtifact(ctx, l.db, job.Id, result.ArtifactS3URI); err != nil {
		slog.Warn("job completed but could not update ledger", "job_id", job.Id, "error", err)
	}
	l.publishJobEvent(ctx, job.Id, job.JobName, database.JobCompleted, result.ArtifactS3URI, "")

	return result, nil
}

func (l *Launcher) Stop(ctx context.Context, jobId uuid.UUID) error {
	job, err := l.GetJob(ctx, jobId)
	if err != nil {
		return err
	}
	return l.platform.StopTrainingJob(ctx, job.JobName)
}

func (l *Launcher) publishJobEvent(ctx context.Context, jobId uuid.UUID, jobName, status, artifactPath, failureReason string) {
	if err := l.publisher.PublishJobEvent(ctx, messaging.JobEventPayload{
		Event:         jobEventForStatus(status),
		JobId:         jobId,
		JobName:       jobName,
		Status:        status,
		ArtifactPath:  artifactPath,
		FailureReason: failureReason,
	}); err != nil {
		slog.Error("error publishing job event", "job_id", jobId, "status", status, "error", err)
	}
}

// SyncJobs reconciles every non-terminal ledger row against the platform,
// persisting transitions and publishing events. The watcher daemon calls
// this on a timer.
func (l *Launcher) SyncJobs(ctx context.Context) error {
	var jobs []database.TrainingJob
	err := l.db.WithContext(ctx).
		Where("status IN ?", []string{database.JobQueued, database.JobRunning}).
		Find(&jobs).Error
	if err != nil {
		return fmt.Errorf("failed to list pending jobs: %w", err)
	}

	for _, job := range jobs {
		status, err := l.platform.DescribeTrainingJob(ctx, job.JobName)
		if err != nil {
			slog.Error("error describing job", "job_name", job.JobName, "error", err)
			continue
		}

		newStatus := platformToLedgerStatus(status.Status)
		if newStatus == job.Status {
			continue
		}

		switch newStatus {
		case database.JobCompleted:
			database.SetJobArtifact(ctx, l.db, job.Id, status.ArtifactS3URI) //nolint:errcheck
		case database.JobFailed, database.JobStopped:
			database.SetJobFailure(ctx, l.db, job.Id, newStatus, status.FailureReason) //nolint:errcheck
		default:
			database.UpdateJobStatus(ctx, l.db, job.Id, newStatus) //nolint:errcheck
		}

		l.publishJobEvent(ctx, job.Id, job.JobName, newStatus, status.ArtifactS3URI, status.FailureReason)
		slog.Info("job status changed", "job_name", job.JobName, "from", job.Status, "to", newStatus)
	}

	return nil
}

// Deploy requests a hosted endpoint for the artifact of a completed job
// and records it in the ledger. The endpoint keeps billing until Teardown.
func (l *Launcher) Deploy(ctx context.Context, jobId uuid.UUID, spec training.EndpointSpec) (*training.Endpoint, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	job, err := l.GetJob(ctx, jobId)
	if err != nil {
		return nil, err
	}
	if job.Status != database.JobCompleted || !job.ArtifactPath.Valid {
		return nil, fmt.Errorf("%w: job %s has status %s", ErrJobNotReady, job.JobName, job.Status)
	}

	endpoint, err := l.platform.CreateEndpoint(ctx, training.Artifact{S3URI: job.ArtifactPath.String}, spec)
	if err != nil {
		return nil, err
	}

	record := &database.Endpoint{
		Id:                   uuid.New(),
		Name:                 endpoint.Name,
		JobId:                uuid.NullUUID{UUID: job.Id, Valid: true},
		InstanceType:         endpoint.InstanceType,
		AcceleratorType:      sql.NullString{String: endpoint.AcceleratorType, Valid: endpoint.AcceleratorType != ""},
		InitialInstanceCount: endpoint.InitialInstanceCount,
		ArtifactPath:         job.ArtifactPath.String,
		Status:               database.EndpointCreating,
		CreationTime:         time.Now().UTC(),
	}
	if err := l.db.WithContext(ctx).Create(record).Error; err != nil {
		slog.Error("endpoint created but could not update ledger", "endpoint_name", endpoint.Name, "error", err)
	}

	if err := l.publisher.PublishEndpointEvent(ctx, messaging.EndpointEventPayload{
		Event:        messaging.EndpointCreated,
		EndpointName: endpoint.Name,
		Status:       database.EndpointCreating,
	}); err != nil {
		slog.Error("error publishing endpoint event", "endpoint_name", endpoint.Name, "error", err)
	}

	return endpoint, nil
}

// Teardown deletes a hosted endpoint. Tearing down an endpoint that is
// already deleted is a no-op, so the call can be retried safely.
func (l *Launcher) Teardown(ctx context.Context, endpointName string) error {
	var record database.Endpoint
	err := l.db.WithContext(ctx).First(&record, "name = ?", endpointName).Error
	known := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to load endpoint %s: %w", endpointName, err)
	}

	if known && record.Status == database.EndpointDeleted {
		slog.Info("endpoint already deleted", "endpoint_name", endpointName)
		return nil
	}

	if err := l.platform.DeleteEndpoint(ctx, endpointName); err != nil {
		return err
	}

	if known {
		if err := database.UpdateEndpointStatus(ctx, l.db, record.Id, database.EndpointDeleted); err != nil {
			slog.Warn("endpoint deleted but could not update ledger", "endpoint_name", endpointName, "error", err)
		}
	}

	if err := l.publisher.PublishEndpointEvent(ctx, messaging.EndpointEventPayload{
		Event:        messaging.EndpointDeleted,
		EndpointName: endpointName,
		Status:       database.EndpointDeleted,
	}); err != nil {
		slog.Error("error publishing endpoint event", "endpoint_name", endpointName, "error", err)
	}

	return nil
}
