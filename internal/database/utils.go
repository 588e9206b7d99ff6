package database

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

func UpdateJobStatus(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if IsTerminalJobStatus(status) {
		updates["completion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&TrainingJob{Id: jobId}).Updates(updates).Error; err != nil {
		slog.Error("error updating job status", "job_id", jobId, "status", status, "error", err)
		return err
	}
	return nil
}

func SetJobArtifact(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, artifactPath string) error {
	updates := map[string]any{
		"status":          JobCompleted,
		"artifact_path":   sql.NullString{String: artifactPath, Valid: artifactPath != ""},
		"completion_time": time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Model(&TrainingJob{Id: jobId}).Updates(updates).Error; err != nil {
		slog.Error("error recording job artifact", "job_id", jobId, "error", err)
		return err
	}
	return nil
}

func SetJobFailure(ctx context.Context, txn *gorm.DB, jobId uuid.UUID, status, reason string) error {
	updates := map[string]any{
		"status":          status,
		"failure_reason":  sql.NullString{String: reason, Valid: reason != ""},
		"completion_time": time.Now().UTC(),
	}

	if err := txn.WithContext(ctx).Model(&TrainingJob{Id: jobId}).Updates(updates).Error; err != nil {
		slog.Error("error recording job failure", "job_id", jobId, "status", status, "error", err)
		return err
	}
	return nil
}

func UpdateEndpointStatus(ctx context.Context, txn *gorm.DB, endpointId uuid.UUID, status string) error {
	updates := map[string]any{"status": status}
	if status == EndpointDeleted {
		updates["deletion_time"] = time.Now().UTC()
	}

	if err := txn.WithContext(ctx).Model(&Endpoint{Id: endpointId}).Updates(updates).Error; err != nil {
		slog.Error("error updating endpoint status", "endpoint_id", endpointId, "status", status, "error", err)
		return err
	}
	return nil
}
