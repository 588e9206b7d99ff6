package launcher_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tkazusa/sagemaker-distributed-training/internal/database"
	"github.com/tkazusa/sagemaker-distributed-training/internal/launcher"
	"github.com/tkazusa/sagemaker-distributed-training/internal/messaging"
	"github.com/tkazusa/sagemaker-distributed-training/internal/training"
	"github.com/tkazusa/sagemaker-distributed-training/pkg/api"
)

func createDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())
	return db
}

// fakePlatform implements just enough of the training service for the
// launcher flows under test. Outcomes are driven through complete/fail.
type fakePlatform struct {
	mu sync.Mutex

	jobs        map[string]*api.DescribeTrainingJobResponse
	createCalls int

	endpoints           map[string]bool
	endpointDeleteCalls int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		jobs:      make(map[string]*api.DescribeTrainingJobResponse),
		endpoints: make(map[string]bool),
	}
}

func (f *fakePlatform) complete(jobName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobName].Status = api.TrainingJobCompleted
	f.jobs[jobName].ArtifactS3URI = fmt.Sprintf("s3://artifacts/%s/model.tar.gz", jobName)
}

func (f *fakePlatform) fail(jobName, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobName].Status = api.TrainingJobFailed
	f.jobs[jobName].FailureReason = reason
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func (f *fakePlatform) handler() http.Handler {
	r := chi.NewRouter()

	r.Post("/training-jobs", func(w http.ResponseWriter, req *http.Request) {
		var body api.CreateTrainingJobRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		f.createCalls++
		f.jobs[body.JobName] = &api.DescribeTrainingJobResponse{
			JobName:      body.JobName,
			Status:       api.TrainingJobInProgress,
			CreationTime: time.Now().UTC(),
		}
		f.mu.Unlock()

		writeJSON(w, http.StatusOK, api.CreateTrainingJobResponse{JobName: body.JobName, Status: api.TrainingJobInProgress})
	})

	r.Get("/training-jobs/{job_name}", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		job, ok := f.jobs[chi.URLParam(req, "job_name")]
		f.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, api.ErrorResponse{Message: "training job not found"})
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	r.Post("/endpoints", func(w http.ResponseWriter, req *http.Request) {
		var body api.CreateEndpointRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		f.mu.Lock()
		f.endpoints[body.EndpointName] = true
		f.mu.Unlock()

		writeJSON(w, http.StatusOK, api.EndpointResponse{
			EndpointName:         body.EndpointName,
			Status:               api.EndpointCreating,
			InstanceType:         body.InstanceType,
			AcceleratorType:      body.AcceleratorType,
			InitialInstanceCount: body.InitialInstanceCount,
		})
	})

	r.Delete("/endpoints/{name}", func(w http.ResponseWriter, req *http.Request) {
		name := chi.URLParam(req, "name")
		f.mu.Lock()
		exists := f.endpoints[name]
		if exists {
			f.endpointDeleteCalls++
			delete(f.endpoints, name)
		}
		f.mu.Unlock()
		if !exists {
			writeJSON(w, http.StatusNotFound, api.ErrorResponse{Message: "endpoint not found"})
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	})

	return r
}

type testEnv struct {
	launcher *launcher.Launcher
	db       *gorm.DB
	platform *fakePlatform
	queue    *messaging.InMemoryQueue
}

func setupLauncher(t *testing.T) *testEnv {
	t.Helper()

	platform := newFakePlatform()
	server := httptest.NewServer(platform.handler())
	t.Cleanup(server.Close)

	db := createDB(t)
	queue := messaging.NewInMemoryQueue()

	client := training.NewClient(server.URL, training.WithPollInterval(5*time.Millisecond))
	return &testEnv{
		launcher: launcher.NewLauncher(db, client, nil, queue),
		db:       db,
		platform: platform,
		queue:    queue,
	}
}

func validSpec() training.JobSpec {
	return training.JobSpec{
		JobName:       "mnist-ps",
		EntryPoint:    "train.py",
		SourceDir:     "src",
		InstanceType:  "ml.p3.2xlarge",
		InstanceCount: 2,
		Distribution:  training.ParameterServer(),
		Hyperparameters: training.Hyperparameters{
			"epochs":     training.IntValue(60),
			"batch-size": training.IntValue(256),
		},
		OutputPath: "s3://artifacts/mnist-ps",
	}
}

func nextJobEvent(t *testing.T, queue *messaging.InMemoryQueue) messaging.JobEventPayload {
	t.Helper()
	select {
	case event := <-queue.Events():
		var payload messaging.JobEventPayload
		require.NoError(t, json.Unmarshal(event.Payload(), &payload))
		return payload
	case <-time.After(time.Second):
		t.Fatal("no job event published")
		return messaging.JobEventPayload{}
	}
}

func nextEndpointEvent(t *testing.T, queue *messaging.InMemoryQueue) messaging.EndpointEventPayload {
	t.Helper()
	select {
	case event := <-queue.Events():
		var payload messaging.EndpointEventPayload
		require.NoError(t, json.Unmarshal(event.Payload(), &payload))
		return payload
	case <-time.After(time.Second):
		t.Fatal("no endpoint event published")
		return messaging.EndpointEventPayload{}
	}
}

func TestSubmitRecordsJobAndChannels(t *testing.T) {
	env := setupLauncher(t)

	jobId, handle, err := env.launcher.Submit(context.Background(), validSpec(), []training.DataChannel{
		{Name: "train", S3URI: "s3://data/mnist/train"},
		{Name: "test", S3URI: "s3://data/mnist/test"},
	})
	require.NoError(t, err)
	assert.Equal(t, "mnist-ps", handle.JobName)

	job, err := env.launcher.GetJob(context.Background(), jobId)
	require.NoError(t, err)
	assert.Equal(t, database.JobRunning, job.Status)
	assert.Equal(t, string(training.StrategyParameterServer), job.Strategy)
	assert.Equal(t, 2, job.InstanceCount)
	assert.Len(t, job.Channels, 2)

	var hyperparameters map[string]training.Scalar
	require.NoError(t, json.Unmarshal(job.Hyperparameters, &hyperparameters))
	assert.Equal(t, int64(60), hyperparameters["epochs"].Int)

	payload := nextJobEvent(t, env.queue)
	assert.Equal(t, messaging.JobSubmitted, payload.Event)
	assert.Equal(t, jobId, payload.JobId)
}

func TestSubmitInvalidSpecLeavesNoTrace(t *testing.T) {
	env := setupLauncher(t)

	spec := validSpec()
	spec.InstanceCount = 0

	_, _, err := env.launcher.Submit(context.Background(), spec, nil)
	assert.ErrorIs(t, err, training.ErrInvalidSpec)
	assert.Equal(t, 0, env.platform.createCalls)

	var count int64
	require.NoError(t, env.db.Model(&database.TrainingJob{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestWaitMarksJobCompleted(t *testing.T) {
	env := setupLauncher(t)

	jobId, handle, err := env.launcher.Submit(context.Background(), validSpec(), nil)
	require.NoError(t, err)
	env.platform.complete(handle.JobName)

	result, err := env.launcher.Wait(context.Background(), jobId)
	require.NoError(t, err)
	assert.Equal(t, "s3://artifacts/mnist-ps/model.tar.gz", result.ArtifactS3URI)

	job, err := env.launcher.GetJob(context.Background(), jobId)
	require.NoError(t, err)
	assert.Equal(t, database.JobCompleted, job.Status)
	require.True(t, job.ArtifactPath.Valid)
	assert.Equal(t, result.ArtifactS3URI, job.ArtifactPath.String)
	assert.True(t, job.CompletionTime.Valid)

	nextJobEvent(t, env.queue) // job.submitted
	payload := nextJobEvent(t, env.queue)
	assert.Equal(t, messaging.JobCompleted, payload.Event)
	assert.Equal(t, result.ArtifactS3URI, payload.ArtifactPath)
}

func TestWaitMarksJobFailed(t *testing.T) {
	env := setupLauncher(t)

	jobId, handle, err := env.launcher.Submit(context.Background(), validSpec(), nil)
	require.NoError(t, err)
	env.platform.fail(handle.JobName, "AlgorithmError: loss is NaN")

	_, err = env.launcher.Wait(context.Background(), jobId)
	assert.ErrorIs(t, err, training.ErrRemote)
	assert.Contains(t, err.Error(), "loss is NaN")

	job, err := env.launcher.GetJob(context.Background(), jobId)
	require.NoError(t, err)
	assert.Equal(t, database.JobFailed, job.Status)
	require.True(t, job.FailureReason.Valid)
	assert.Equal(t, "AlgorithmError: loss is NaN", job.FailureReason.String)
}

func TestWaitUnknownJob(t *testing.T) {
	env := setupLauncher(t)

	_, err := env.launcher.Wait(context.Background(), uuid.New())
	assert.ErrorIs(t, err, launcher.ErrJobNotFound)
}

func TestSyncJobsPersistsTransitions(t *testing.T) {
	env := setupLauncher(t)

	completedId, completedHandle, err := env.launcher.Submit(context.Background(), validSpec(), nil)
	require.NoError(t, err)

	failedSpec := validSpec()
	failedSpec.JobName = "mnist-failed"
	failedId, failedHandle, err := env.launcher.Submit(context.Background(), failedSpec, nil)
	require.NoError(t, err)

	env.platform.complete(completedHandle.JobName)
	env.platform.fail(failedHandle.JobName, "AlgorithmError: loss is NaN")

	require.NoError(t, env.launcher.SyncJobs(context.Background()))

	completed, err := env.launcher.GetJob(context.Background(), completedId)
	require.NoError(t, err)
	assert.Equal(t, database.JobCompleted, completed.Status)
	assert.True(t, completed.ArtifactPath.Valid)

	failed, err := env.launcher.GetJob(context.Background(), failedId)
	require.NoError(t, err)
	assert.Equal(t, database.JobFailed, failed.Status)

	// A second sync sees both jobs as terminal and changes nothing.
	require.NoError(t, env.launcher.SyncJobs(context.Background()))
}

func TestDeployRequiresCompletedJob(t *testing.T) {
	env := setupLauncher(t)

	jobId, _, err := env.launcher.Submit(context.Background(), validSpec(), nil)
	require.NoError(t, err)

	_, err = env.launcher.Deploy(context.Background(), jobId, training.EndpointSpec{
		EndpointName:         "mnist-predictor",
		InstanceType:         "ml.c5.xlarge",
		InitialInstanceCount: 1,
	})
	assert.ErrorIs(t, err, launcher.ErrJobNotReady)
}

func TestDeployRecordsEndpoint(t *testing.T) {
	env := setupLauncher(t)

	jobId, handle, err := env.launcher.Submit(context.Background(), validSpec(), nil)
	require.NoError(t, err)
	env.platform.complete(handle.JobName)
	_, err = env.launcher.Wait(context.Background(), jobId)
	require.NoError(t, err)

	endpoint, err := env.launcher.Deploy(context.Background(), jobId, training.EndpointSpec{
		EndpointName:         "mnist-predictor",
		InstanceType:         "ml.c5.xlarge",
		AcceleratorType:      "ml.eia1.medium",
		InitialInstanceCount: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, "ml.eia1.medium", endpoint.AcceleratorType)

	var record database.Endpoint
	require.NoError(t, env.db.First(&record, "name = ?", "mnist-predictor").Error)
	assert.Equal(t, database.EndpointCreating, record.Status)
	assert.Equal(t, "ml.c5.xlarge", record.InstanceType)
	require.True(t, record.AcceleratorType.Valid)
	assert.Equal(t, "ml.eia1.medium", record.AcceleratorType.String)
	require.True(t, record.JobId.Valid)
	assert.Equal(t, jobId, record.JobId.UUID)
	assert.Equal(t, "s3://artifacts/mnist-ps/model.tar.gz", record.ArtifactPath)

	nextJobEvent(t, env.queue) // job.submitted
	nextJobEvent(t, env.queue) // job.completed
	payload := nextEndpointEvent(t, env.queue)
	assert.Equal(t, messaging.EndpointCreated, payload.Event)
	assert.Equal(t, "mnist-predictor", payload.EndpointName)
}

func TestTeardownIsIdempotent(t *testing.T) {
	env := setupLauncher(t)

	jobId, handle, err := env.launcher.Submit(context.Background(), validSpec(), nil)
	require.NoError(t, err)
	env.platform.complete(handle.JobName)
	_, err = env.launcher.Wait(context.Background(), jobId)
	require.NoError(t, err)

	_, err = env.launcher.Deploy(context.Background(), jobId, training.EndpointSpec{
		EndpointName:         "mnist-predictor",
		InstanceType:         "ml.c5.xlarge",
		InitialInstanceCount: 1,
	})
	require.NoError(t, err)

	require.NoError(t, env.launcher.Teardown(context.Background(), "mnist-predictor"))
	// Repeated teardown short-circuits on the ledger and calls nothing.
	require.NoError(t, env.launcher.Teardown(context.Background(), "mnist-predictor"))
	assert.Equal(t, 1, env.platform.endpointDeleteCalls)

	var record database.Endpoint
	require.NoError(t, env.db.First(&record, "name = ?", "mnist-predictor").Error)
	assert.Equal(t, database.EndpointDeleted, record.Status)
	assert.True(t, record.DeletionTime.Valid)
}

func TestTeardownUnknownEndpoint(t *testing.T) {
	env := setupLauncher(t)

	// No ledger row and a 404 from the platform is still a clean no-op.
	require.NoError(t, env.launcher.Teardown(context.Background(), "never-existed"))
}
