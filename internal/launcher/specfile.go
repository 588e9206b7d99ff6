package launcher

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/tkazusa/sagemaker-distributed-training/internal/training"
)

type jobFile struct {
	JobName       string `yaml:"job_name"`
	EntryPoint    string `yaml:"entry_point"`
	SourceDir     string `yaml:"source_dir"`
	InstanceType  string `yaml:"instance_type"`
	InstanceCount int    `yaml:"instance_count"`

	Distribution struct {
		Strategy         string `yaml:"strategy"`
		ProcessesPerHost int    `yaml:"processes_per_host"`
		CustomMPIOptions string `yaml:"custom_mpi_options"`
	} `yaml:"distribution"`

	Hyperparameters map[string]interface{} `yaml:"hyperparameters"`

	OutputPath       string   `yaml:"output_path"`
	Subnets          []string `yaml:"subnets"`
	SecurityGroupIds []string `yaml:"security_group_ids"`

	Channels []struct {
		Name     string `yaml:"name"`
		S3URI    string `yaml:"s3_uri"`
		LocalDir string `yaml:"local_dir"`
	} `yaml:"channels"`
}

// ChannelSource is a data channel as declared in a job file: either an
// existing S3 location or a local directory that still needs staging.
type ChannelSource struct {
	Name     string
	S3URI    string
	LocalDir string
}

func scalarFromYAML(key string, value interface{}) (training.Scalar, error) {
	switch v := value.(type) {
	case string:
		return training.StringValue(v), nil
	case int:
		return training.IntValue(int64(v)), nil
	case int64:
		return training.IntValue(v), nil
	case float64:
		return training.FloatValue(v), nil
	case bool:
		return training.BoolValue(v), nil
	default:
		return training.Scalar{}, fmt.Errorf("hyperparameter %q: unsupported value %v (%T), only scalars are allowed", key, value, value)
	}
}

// LoadJobFile reads a YAML job description into a spec plus the channel
// sources to stage. Hyperparameter values must be scalars; nested YAML
// structures are rejected here rather than surfacing as a remote error.
func LoadJobFile(path string) (training.JobSpec, []ChannelSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return training.JobSpec{}, nil, fmt.Errorf("failed to read job file %s: %w", path, err)
	}

	var file jobFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return training.JobSpec{}, nil, fmt.Errorf("failed to parse job file %s: %w", path, err)
	}

	strategy, err := training.ParseStrategy(file.Distribution.Strategy)
	if err != nil {
		return training.JobSpec{}, nil, err
	}

	hyperparameters := make(training.Hyperparameters, len(file.Hyperparameters))
	for key, raw := range file.Hyperparameters {
		value, err := scalarFromYAML(key, raw)
		if err != nil {
			return training.JobSpec{}, nil, err
		}
		hyperparameters[key] = value
	}

	spec := training.JobSpec{
		JobName:         file.JobName,
		EntryPoint:      file.EntryPoint,
		SourceDir:       file.SourceDir,
		Hyperparameters: hyperparameters,
		InstanceType:    file.InstanceType,
		InstanceCount:   file.InstanceCount,
		Distribution: training.Distribution{
			Strategy:         strategy,
			ProcessesPerHost: file.Distribution.ProcessesPerHost,
			CustomMPIOptions: file.Distribution.CustomMPIOptions,
		},
		OutputPath:       file.OutputPath,
		Subnets:          file.Subnets,
		SecurityGroupIds: file.SecurityGroupIds,
	}

	var sources []ChannelSource
	for _, ch := range file.Channels {
		sources = append(sources, ChannelSource{Name: ch.Name, S3URI: ch.S3URI, LocalDir: ch.LocalDir})
	}

	return spec, sources, nil
}

// StageChannels resolves channel sources into S3-backed data channels,
// uploading local directories to s3://<bucket>/<jobName>/<channel>.
func (l *Launcher) StageChannels(ctx context.Context, sources []ChannelSource, bucket, jobName string, report func(localPath string)) ([]training.DataChannel, error) {
	var channels []training.DataChannel
	for _, src := range sources {
		switch {
		case src.S3URI != "":
			channels = append(channels, training.DataChannel{Name: src.Name, S3URI: src.S3URI})
		case src.LocalDir != "":
			target := fmt.Sprintf("s3://%s/%s/%s", bucket, jobName, src.Name)
			uri, err := l.s3Client.StageDirectory(ctx, src.LocalDir, target, report)
			if err != nil {
				return nil, err
			}
			channels = append(channels, training.DataChannel{Name: src.Name, S3URI: uri})
		default:
			return nil, fmt.Errorf("channel %q needs either s3_uri or local_dir", src.Name)
		}
	}
	return channels, nil
}
