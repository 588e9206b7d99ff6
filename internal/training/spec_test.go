package training_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkazusa/sagemaker-distributed-training/internal/training"
)

func validSpec() training.JobSpec {
	return training.JobSpec{
		JobName:       "mnist-ps",
		EntryPoint:    "train.py",
		SourceDir:     "./src",
		InstanceType:  "ml.p3.2xlarge",
		InstanceCount: 2,
		Distribution:  training.ParameterServer(),
		Hyperparameters: training.Hyperparameters{
			"epochs":     training.IntValue(60),
			"batch-size": training.IntValue(256),
		},
	}
}

func TestValidateSpec(t *testing.T) {
	spec := validSpec()
	require.NoError(t, spec.Validate())
}

func TestValidateSpecInstanceCount(t *testing.T) {
	for _, count := range []int{0, -1, -100} {
		spec := validSpec()
		spec.InstanceCount = count
		assert.ErrorIs(t, spec.Validate(), training.ErrInvalidSpec)
	}
}

func TestValidateSpecMissingFields(t *testing.T) {
	spec := validSpec()
	spec.JobName = ""
	assert.ErrorIs(t, spec.Validate(), training.ErrInvalidSpec)

	spec = validSpec()
	spec.JobName = "bad name!"
	assert.ErrorIs(t, spec.Validate(), training.ErrInvalidSpec)

	spec = validSpec()
	spec.EntryPoint = ""
	assert.ErrorIs(t, spec.Validate(), training.ErrInvalidSpec)

	spec = validSpec()
	spec.InstanceType = ""
	assert.ErrorIs(t, spec.Validate(), training.ErrInvalidSpec)

	spec = validSpec()
	spec.OutputPath = "http://not-s3/output"
	assert.ErrorIs(t, spec.Validate(), training.ErrInvalidSpec)
}

func TestValidateMPIDistribution(t *testing.T) {
	spec := validSpec()
	spec.Distribution = training.MPI(2, "")
	require.NoError(t, spec.Validate())

	spec.Distribution = training.MPI(0, "")
	assert.ErrorIs(t, spec.Validate(), training.ErrInvalidSpec)

	spec.Distribution = training.Distribution{Strategy: "gossip"}
	assert.ErrorIs(t, spec.Validate(), training.ErrInvalidSpec)
}

func TestValidateHyperparameters(t *testing.T) {
	spec := validSpec()
	spec.Hyperparameters = training.Hyperparameters{"": training.IntValue(1)}
	assert.ErrorIs(t, spec.Validate(), training.ErrInvalidSpec)

	spec.Hyperparameters = training.Hyperparameters{"bad": {Kind: training.ScalarKind(42)}}
	assert.ErrorIs(t, spec.Validate(), training.ErrInvalidSpec)
}

func TestScalarWireForm(t *testing.T) {
	assert.Equal(t, "60", training.IntValue(60).String())
	assert.Equal(t, "0.01", training.FloatValue(0.01).String())
	assert.Equal(t, "true", training.BoolValue(true).String())
	assert.Equal(t, "adam", training.StringValue("adam").String())
}

func TestValidateChannels(t *testing.T) {
	channels := []training.DataChannel{
		{Name: "train", S3URI: "s3://bucket/train"},
		{Name: "test", S3URI: "s3://bucket/test"},
	}
	require.NoError(t, training.ValidateChannels(channels))

	assert.ErrorIs(t, training.ValidateChannels([]training.DataChannel{
		{Name: "", S3URI: "s3://bucket/train"},
	}), training.ErrInvalidSpec)

	assert.ErrorIs(t, training.ValidateChannels([]training.DataChannel{
		{Name: "train", S3URI: "s3://bucket/a"},
		{Name: "train", S3URI: "s3://bucket/b"},
	}), training.ErrInvalidSpec)

	assert.ErrorIs(t, training.ValidateChannels([]training.DataChannel{
		{Name: "train", S3URI: "/local/path"},
	}), training.ErrInvalidSpec)
}

func TestValidateEndpointSpec(t *testing.T) {
	spec := training.EndpointSpec{
		EndpointName:         "mnist-endpoint",
		InstanceType:         "ml.c5.xlarge",
		InitialInstanceCount: 1,
	}
	require.NoError(t, spec.Validate())

	spec.InitialInstanceCount = 0
	assert.ErrorIs(t, spec.Validate(), training.ErrInvalidSpec)

	spec.InitialInstanceCount = 1
	spec.EndpointName = ""
	assert.ErrorIs(t, spec.Validate(), training.ErrInvalidSpec)
}
