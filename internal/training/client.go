package training

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/tkazusa/sagemaker-distributed-training/pkg/api"
)

const DefaultPollInterval = 30 * time.Second

// Client talks to the managed training service. It holds no job state of
// its own; everything beyond the submit call is owned by the platform.
// Construct one per platform URL and pass it explicitly to callers.
type Client struct {
	http         *resty.Client
	pollInterval time.Duration
}

type ClientOption func(*Client)

func WithPollInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.pollInterval = d }
}

func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		http:         resty.New().SetBaseURL(baseURL),
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// JobHandle identifies a submitted job. It keeps a copy of the descriptor
// the job was submitted with; the spec itself is never mutated after
// submission.
type JobHandle struct {
	JobName       string
	InstanceType  string
	InstanceCount int
	Distribution  Distribution
}

type JobStatus struct {
	Status        string
	FailureReason string
	ArtifactS3URI string
	CreationTime  time.Time
	EndTime       *time.Time
}

// JobResult is the terminal outcome of a job. ArtifactS3URI is set only
// for completed jobs.
type JobResult struct {
	JobName       string
	Status        string
	ArtifactS3URI string
}

func remoteError(resp *resty.Response) error {
	var body api.ErrorResponse
	message := resp.String()
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Message != "" {
		message = body.Message
	}
	return &RemoteError{StatusCode: resp.StatusCode(), Message: message}
}

// CreateTrainingJob validates the spec locally then submits it. A
// validation failure issues no remote call.
func (c *Client) CreateTrainingJob(ctx context.Context, spec JobSpec, channels []DataChannel) (*JobHandle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateChannels(channels); err != nil {
		return nil, err
	}

	var result api.CreateTrainingJobResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(buildCreateRequest(spec, channels)).
		SetResult(&result).
		Post("/training-jobs")
	if err != nil {
		return nil, fmt.Errorf("failed to submit training job %s: %w", spec.JobName, err)
	}
	if !resp.IsSuccess() {
		return nil, remoteError(resp)
	}

	slog.Info("submitted training job", "job_name", result.JobName, "instance_count", spec.InstanceCount, "strategy", spec.Distribution.Strategy)

	return &JobHandle{
		JobName:       result.JobName,
		InstanceType:  spec.InstanceType,
		InstanceCount: spec.InstanceCount,
		Distribution:  spec.Distribution,
	}, nil
}

func (c *Client) DescribeTrainingJob(ctx context.Context, jobName string) (*JobStatus, error) {
	var result api.DescribeTrainingJobResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/training-jobs/" + jobName)
	if err != nil {
		return nil, fmt.Errorf("failed to describe training job %s: %w", jobName, err)
	}
	if !resp.IsSuccess() {
		return nil, remoteError(resp)
	}

	return &JobStatus{
		Status:        result.Status,
		FailureReason: result.FailureReason,
		ArtifactS3URI: result.ArtifactS3URI,
		CreationTime:  result.CreationTime,
		EndTime:       result.EndTime,
	}, nil
}

func isTerminalStatus(status string) bool {
	switch status {
	case api.TrainingJobCompleted, api.TrainingJobFailed, api.TrainingJobStopped:
		return true
	}
	return false
}

// WaitForTrainingJob blocks until the platform reports a terminal status.
// A failed or stopped job returns a RemoteError carrying the platform's
// failure reason verbatim; resubmission is the caller's responsibility.
func (c *Client) WaitForTrainingJob(ctx context.Context, handle *JobHandle) (*JobResult, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		status, err := c.DescribeTrainingJob(ctx, handle.JobName)
		if err != nil {
			return nil, err
		}

		if isTerminalStatus(status.Status) {
			if status.Status != api.TrainingJobCompleted {
				reason := status.FailureReason
				if reason == "" {
					reason = fmt.Sprintf("training job %s ended with status %s", handle.JobName, status.Status)
				}
				return nil, &RemoteError{Message: reason}
			}
			if status.ArtifactS3URI == "" {
				return nil, &RemoteError{Message: fmt.Sprintf("training job %s completed without an artifact location", handle.JobName)}
			}
			return &JobResult{
				JobName:       handle.JobName,
				Status:        status.Status,
				ArtifactS3URI: status.ArtifactS3URI,
			}, nil
		}

		slog.Debug("training job still running", "job_name", handle.JobName, "status", status.Status)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) StopTrainingJob(ctx context.Context, jobName string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Post("/training-jobs/" + jobName + "/stop")
	if err != nil {
		return fmt.Errorf("failed to stop training job %s: %w", jobName, err)
	}
	if !resp.IsSuccess() {
		return remoteError(resp)
	}
	slog.Info("requested stop for training job", "job_name", jobName)
	return nil
}

func (c *Client) GetLogEvents(ctx context.Context, jobName string) ([]api.LogEvent, error) {
	var result api.GetLogEventsResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/training-jobs/" + jobName + "/logs")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch logs for training job %s: %w", jobName, err)
	}
	if !resp.IsSuccess() {
		return nil, remoteError(resp)
	}
	return result.Events, nil
}
