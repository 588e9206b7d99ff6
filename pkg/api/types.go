package api

import "time"

// Request and response bodies exchanged with the managed training service.

const (
	StrategyNone            = "none"
	StrategyParameterServer = "parameter_server"
	StrategyMPI             = "mpi"
)

const (
	TrainingJobInProgress = "InProgress"
	TrainingJobCompleted  = "Completed"
	TrainingJobFailed     = "Failed"
	TrainingJobStopping   = "Stopping"
	TrainingJobStopped    = "Stopped"
)

const (
	EndpointCreating  = "Creating"
	EndpointInService = "InService"
	EndpointDeleting  = "Deleting"
	EndpointFailed    = "Failed"
)

type DistributionConfig struct {
	Strategy         string `json:"strategy"`
	ProcessesPerHost int    `json:"processes_per_host,omitempty"`
	CustomMPIOptions string `json:"custom_mpi_options,omitempty"`
}

type Channel struct {
	Name  string `json:"name"`
	S3URI string `json:"s3_uri"`
}

type CreateTrainingJobRequest struct {
	JobName          string             `json:"job_name"`
	EntryPoint       string             `json:"entry_point"`
	SourceDir        string             `json:"source_dir,omitempty"`
	HyperParameters  map[string]string  `json:"hyper_parameters,omitempty"`
	InstanceType     string             `json:"instance_type"`
	InstanceCount    int                `json:"instance_count"`
	Distribution     DistributionConfig `json:"distribution"`
	Channels         []Channel          `json:"channels"`
	OutputPath       string             `json:"output_path,omitempty"`
	Subnets          []string           `json:"subnets,omitempty"`
	SecurityGroupIds []string           `json:"security_group_ids,omitempty"`
}

type CreateTrainingJobResponse struct {
	JobName string `json:"job_name"`
	Status  string `json:"status"`
}

type DescribeTrainingJobResponse struct {
	JobName       string     `json:"job_name"`
	Status        string     `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	ArtifactS3URI string     `json:"artifact_s3_uri,omitempty"`
	CreationTime  time.Time  `json:"creation_time"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	EndTime       *time.Time `json:"end_time,omitempty"`
}

type LogEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Stream    string    `json:"stream"`
	Message   string    `json:"message"`
}

type GetLogEventsResponse struct {
	Events []LogEvent `json:"events"`
}

type CreateEndpointRequest struct {
	EndpointName         string `json:"endpoint_name"`
	ModelArtifactS3URI   string `json:"model_artifact_s3_uri"`
	InstanceType         string `json:"instance_type"`
	AcceleratorType      string `json:"accelerator_type,omitempty"`
	InitialInstanceCount int    `json:"initial_instance_count"`
}

type EndpointResponse struct {
	EndpointName         string `json:"endpoint_name"`
	Status               string `json:"status"`
	InstanceType         string `json:"instance_type"`
	AcceleratorType      string `json:"accelerator_type,omitempty"`
	InitialInstanceCount int    `json:"initial_instance_count"`
}

type ErrorResponse struct {
	Message string `json:"message"`
}
