package training

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tkazusa/sagemaker-distributed-training/pkg/api"
)

// Endpoint is a running deployment of a model artifact. Its lifecycle is
// owned entirely by the platform; this struct only records what the
// endpoint was requested with.
type Endpoint struct {
	Name                 string
	Status               string
	InstanceType         string
	AcceleratorType      string
	InitialInstanceCount int
}

// CreateEndpoint asks the platform to host the artifact for real-time
// inference. An undeleted endpoint keeps billing until Teardown is called.
func (c *Client) CreateEndpoint(ctx context.Context, artifact Artifact, spec EndpointSpec) (*Endpoint, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if artifact.S3URI == "" {
		return nil, invalidSpecf("artifact location is required to create an endpoint")
	}

	var result api.EndpointResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(api.CreateEndpointRequest{
			EndpointName:         spec.EndpointName,
			ModelArtifactS3URI:   artifact.S3URI,
			InstanceType:         spec.InstanceType,
			AcceleratorType:      spec.AcceleratorType,
			InitialInstanceCount: spec.InitialInstanceCount,
		}).
		SetResult(&result).
		Post("/endpoints")
	if err != nil {
		return nil, fmt.Errorf("failed to create endpoint %s: %w", spec.EndpointName, err)
	}
	if !resp.IsSuccess() {
		return nil, remoteError(resp)
	}

	slog.Info("created endpoint", "endpoint_name", result.EndpointName, "instance_type", result.InstanceType, "accelerator_type", result.AcceleratorType)

	return &Endpoint{
		Name:                 result.EndpointName,
		Status:               result.Status,
		InstanceType:         result.InstanceType,
		AcceleratorType:      result.AcceleratorType,
		InitialInstanceCount: result.InitialInstanceCount,
	}, nil
}

func (c *Client) DescribeEndpoint(ctx context.Context, name string) (*Endpoint, error) {
	var result api.EndpointResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/endpoints/" + name)
	if err != nil {
		return nil, fmt.Errorf("failed to describe endpoint %s: %w", name, err)
	}
	if !resp.IsSuccess() {
		return nil, remoteError(resp)
	}
	return &Endpoint{
		Name:                 result.EndpointName,
		Status:               result.Status,
		InstanceType:         result.InstanceType,
		AcceleratorType:      result.AcceleratorType,
		InitialInstanceCount: result.InitialInstanceCount,
	}, nil
}

// DeleteEndpoint tears an endpoint down. Deleting an endpoint that no
// longer exists is a no-op, so callers can safely retry the call.
func (c *Client) DeleteEndpoint(ctx context.Context, name string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/endpoints/" + name)
	if err != nil {
		return fmt.Errorf("failed to delete endpoint %s: %w", name, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		slog.Info("endpoint already deleted", "endpoint_name", name)
		return nil
	}
	if !resp.IsSuccess() {
		return remoteError(resp)
	}
	slog.Info("deleted endpoint", "endpoint_name", name)
	return nil
}

// InvokeEndpoint sends one prediction request. The payload content type is
// caller-defined (csv, json, ...); the response is the platform's JSON
// prediction body.
func (c *Client) InvokeEndpoint(ctx context.Context, name, contentType string, body []byte) (json.RawMessage, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetBody(body).
		Post("/endpoints/" + name + "/invocations")
	if err != nil {
		return nil, fmt.Errorf("failed to invoke endpoint %s: %w", name, err)
	}
	if !resp.IsSuccess() {
		return nil, remoteError(resp)
	}
	return json.RawMessage(resp.Body()), nil
}
