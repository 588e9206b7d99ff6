package training

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/tkazusa/sagemaker-distributed-training/pkg/api"
)

var jobNamePattern = regexp.MustCompile(`^[\w-]+$`)

type ScalarKind int

const (
	KindString ScalarKind = iota
	KindInt
	KindFloat
	KindBool
)

// Scalar is a hyperparameter value. The training platform takes all
// hyperparameters as strings on the wire, but specs declare them with one
// of a closed set of kinds so that typos like nested structures are caught
// locally.
type Scalar struct {
	Kind ScalarKind

	Str   string
	Int   int64
	Float float64
	Bool  bool
}

func StringValue(v string) Scalar { return Scalar{Kind: KindString, Str: v} }
func IntValue(v int64) Scalar     { return Scalar{Kind: KindInt, Int: v} }
func FloatValue(v float64) Scalar { return Scalar{Kind: KindFloat, Float: v} }
func BoolValue(v bool) Scalar     { return Scalar{Kind: KindBool, Bool: v} }

// String renders the wire form sent to the platform.
func (v Scalar) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return strconv.FormatInt(v.Int, 10)
	case KindFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.Bool)
	default:
		return ""
	}
}

func (v Scalar) valid() bool {
	return v.Kind >= KindString && v.Kind <= KindBool
}

type Hyperparameters map[string]Scalar

func (h Hyperparameters) wire() map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v.String()
	}
	return out
}

type Strategy string

const (
	StrategyNone            Strategy = api.StrategyNone
	StrategyParameterServer Strategy = api.StrategyParameterServer
	StrategyMPI             Strategy = api.StrategyMPI
)

// Distribution describes how the training job is replicated across
// instances. ProcessesPerHost and CustomMPIOptions only apply to the MPI
// strategy.
type Distribution struct {
	Strategy         Strategy
	ProcessesPerHost int
	CustomMPIOptions string
}

func NoDistribution() Distribution {
	return Distribution{Strategy: StrategyNone}
}

func ParameterServer() Distribution {
	return Distribution{Strategy: StrategyParameterServer}
}

// MPI configures Horovod-style training launched through mpirun. Whether
// processesPerHost fits the chosen instance type is not checked here; the
// platform rejects impossible placements at submission time.
func MPI(processesPerHost int, customOptions string) Distribution {
	return Distribution{
		Strategy:         StrategyMPI,
		ProcessesPerHost: processesPerHost,
		CustomMPIOptions: customOptions,
	}
}

func (d Distribution) validate() error {
	switch d.Strategy {
	case StrategyNone, StrategyParameterServer:
		return nil
	case StrategyMPI:
		if d.ProcessesPerHost < 1 {
			return invalidSpecf("mpi distribution requires processes_per_host >= 1, got %d", d.ProcessesPerHost)
		}
		return nil
	default:
		return invalidSpecf("unknown distribution strategy %q", d.Strategy)
	}
}

// JobSpec is the full description of a training job. A spec is treated as
// immutable once submitted; the client copies what it needs into the
// returned handle.
type JobSpec struct {
	JobName          string
	EntryPoint       string
	SourceDir        string
	Hyperparameters  Hyperparameters
	InstanceType     string
	InstanceCount    int
	Distribution     Distribution
	OutputPath       string
	Subnets          []string
	SecurityGroupIds []string
}

func (s *JobSpec) Validate() error {
	if s.JobName == "" {
		return invalidSpecf("job name is required")
	}
	if !jobNamePattern.MatchString(s.JobName) {
		return invalidSpecf("invalid job name %q: only alphanumeric characters, underscores, and hyphens are allowed", s.JobName)
	}
	if s.EntryPoint == "" {
		return invalidSpecf("entry point is required")
	}
	if s.InstanceType == "" {
		return invalidSpecf("instance type is required")
	}
	if s.InstanceCount < 1 {
		return invalidSpecf("instance count must be >= 1, got %d", s.InstanceCount)
	}
	for key, value := range s.Hyperparameters {
		if key == "" {
			return invalidSpecf("hyperparameter with empty key")
		}
		if !value.valid() {
			return invalidSpecf("hyperparameter %q has unknown value kind", key)
		}
	}
	if s.OutputPath != "" && !strings.HasPrefix(s.OutputPath, "s3://") {
		return invalidSpecf("output path %q must start with s3://", s.OutputPath)
	}
	return s.Distribution.validate()
}

// DataChannel names an input dataset location, e.g. "train" or
// "validation". Channels are read-only inputs to a job.
type DataChannel struct {
	Name  string
	S3URI string
}

func ValidateChannels(channels []DataChannel) error {
	seen := make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		if ch.Name == "" {
			return invalidSpecf("data channel with empty name")
		}
		if _, ok := seen[ch.Name]; ok {
			return invalidSpecf("duplicate data channel %q", ch.Name)
		}
		seen[ch.Name] = struct{}{}
		if !strings.HasPrefix(ch.S3URI, "s3://") {
			return invalidSpecf("data channel %q location %q must start with s3://", ch.Name, ch.S3URI)
		}
	}
	return nil
}

// Artifact is the opaque output archive of a completed job.
type Artifact struct {
	S3URI string
}

// EndpointSpec describes a hosted inference endpoint serving one artifact.
type EndpointSpec struct {
	EndpointName         string
	InstanceType         string
	AcceleratorType      string
	InitialInstanceCount int
}

func (s *EndpointSpec) Validate() error {
	if s.EndpointName == "" {
		return invalidSpecf("endpoint name is required")
	}
	if !jobNamePattern.MatchString(s.EndpointName) {
		return invalidSpecf("invalid endpoint name %q: only alphanumeric characters, underscores, and hyphens are allowed", s.EndpointName)
	}
	if s.InstanceType == "" {
		return invalidSpecf("endpoint instance type is required")
	}
	if s.InitialInstanceCount < 1 {
		return invalidSpecf("endpoint initial instance count must be >= 1, got %d", s.InitialInstanceCount)
	}
	return nil
}

func buildCreateRequest(spec JobSpec, channels []DataChannel) api.CreateTrainingJobRequest {
	req := api.CreateTrainingJobRequest{
		JobName:         spec.JobName,
		EntryPoint:      spec.EntryPoint,
		SourceDir:       spec.SourceDir,
		HyperParameters: spec.Hyperparameters.wire(),
		InstanceType:    spec.InstanceType,
		InstanceCount:   spec.InstanceCount,
		Distribution: api.DistributionConfig{
			Strategy:         string(spec.Distribution.Strategy),
			ProcessesPerHost: spec.Distribution.ProcessesPerHost,
			CustomMPIOptions: spec.Distribution.CustomMPIOptions,
		},
		OutputPath:       spec.OutputPath,
		Subnets:          spec.Subnets,
		SecurityGroupIds: spec.SecurityGroupIds,
	}
	for _, ch := range channels {
		req.Channels = append(req.Channels, api.Channel{Name: ch.Name, S3URI: ch.S3URI})
	}
	return req
}

// ParseStrategy converts the string form used in YAML job files and the
// ledger back into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyNone, StrategyParameterServer, StrategyMPI:
		return Strategy(s), nil
	case "":
		return StrategyNone, nil
	default:
		return "", fmt.Errorf("unknown distribution strategy %q", s)
	}
}
