package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/tkazusa/sagemaker-distributed-training/cmd"
	"github.com/tkazusa/sagemaker-distributed-training/internal/database"
	"github.com/tkazusa/sagemaker-distributed-training/internal/launcher"
	"github.com/tkazusa/sagemaker-distributed-training/internal/messaging"
	"github.com/tkazusa/sagemaker-distributed-training/internal/s3"
	"github.com/tkazusa/sagemaker-distributed-training/internal/training"
)

type LauncherConfig struct {
	PlatformURL       string        `env:"PLATFORM_API_URL,notEmpty,required"`
	DatabaseURL       string        `env:"DATABASE_URL" envDefault:"launcher.db"`
	RabbitMQURL       string        `env:"RABBITMQ_URL"`
	S3EndpointURL     string        `env:"S3_ENDPOINT_URL"`
	S3AccessKeyID     string        `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string        `env:"AWS_SECRET_ACCESS_KEY"`
	S3Region          string        `env:"AWS_REGION" envDefault:"us-east-1"`
	DataBucketName    string        `env:"DATA_BUCKET_NAME" envDefault:"training-data"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"30s"`
	UploadConcurrency int           `env:"UPLOAD_CONCURRENCY" envDefault:"4"`
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: launcher <command> [flags]

commands:
  submit    submit a training job described by a YAML file
  wait      block until a job finishes and print the artifact location
  stop      request the platform to stop a running job
  logs      print the remote log events of a job
  deploy    host the artifact of a completed job behind an endpoint
  teardown  delete a hosted endpoint
  invoke    send one prediction request to an endpoint`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cmd.LoadEnvFile()

	var cfg LauncherConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open job ledger: %v", err)
	}

	s3Client, err := s3.NewS3Client(&s3.Config{
		S3EndpointURL:     cfg.S3EndpointURL,
		S3AccessKeyID:     cfg.S3AccessKeyID,
		S3SecretAccessKey: cfg.S3SecretAccessKey,
		S3Region:          cfg.S3Region,
		UploadConcurrency: cfg.UploadConcurrency,
	})
	if err != nil {
		log.Fatalf("Failed to create S3 client: %v", err)
	}

	var publisher messaging.Publisher
	if cfg.RabbitMQURL != "" {
		publisher, err = messaging.NewRabbitMQPublisher(cfg.RabbitMQURL)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
	} else {
		publisher = messaging.NewInMemoryQueue()
	}
	defer publisher.Close()

	platform := training.NewClient(cfg.PlatformURL, training.WithPollInterval(cfg.PollInterval))
	l := launcher.NewLauncher(db, platform, s3Client, publisher)

	var cmdErr error
	switch os.Args[1] {
	case "submit":
		cmdErr = runSubmit(ctx, l, &cfg, os.Args[2:])
	case "wait":
		cmdErr = runWait(ctx, l, s3Client, os.Args[2:])
	case "stop":
		cmdErr = runStop(ctx, l, os.Args[2:])
	case "logs":
		cmdErr = runLogs(ctx, l, platform, os.Args[2:])
	case "deploy":
		cmdErr = runDeploy(ctx, l, os.Args[2:])
	case "teardown":
		cmdErr = runTeardown(ctx, l, os.Args[2:])
	case "invoke":
		cmdErr = runInvoke(ctx, platform, os.Args[2:])
	default:
		usage()
	}

	if cmdErr != nil {
		log.Fatalf("%s failed: %v", os.Args[1], cmdErr)
	}
}

func runSubmit(ctx context.Context, l *launcher.Launcher, cfg *LauncherConfig, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	file := fs.String("f", "", "path to the YAML job file")
	wait := fs.Bool("wait", false, "block until the job reaches a terminal status")
	fs.Parse(args) //nolint:errcheck

	if *file == "" {
		return fmt.Errorf("-f is required")
	}

	jobSpec, sources, err := launcher.LoadJobFile(*file)
	if err != nil {
		return err
	}

	bar := progressbar.Default(-1, "staging training data")
	channels, err := l.StageChannels(ctx, sources, cfg.DataBucketName, jobSpec.JobName, func(string) {
		bar.Add(1) //nolint:errcheck
	})
	bar.Finish() //nolint:errcheck
	if err != nil {
		return err
	}

	jobId, handle, err := l.Submit(ctx, jobSpec, channels)
	if err != nil {
		return err
	}

	fmt.Printf("submitted job %s (%s) on %d x %s, strategy %s\n",
		jobId, handle.JobName, handle.InstanceCount, handle.InstanceType, handle.Distribution.Strategy)

	if !*wait {
		return nil
	}

	result, err := l.Wait(ctx, jobId)
	if err != nil {
		return err
	}
	fmt.Printf("job %s completed, artifact at %s\n", handle.JobName, result.ArtifactS3URI)
	return nil
}

func parseJobFlag(fs *flag.FlagSet, args []string, job *string) (uuid.UUID, error) {
	fs.Parse(args) //nolint:errcheck
	if *job == "" {
		return uuid.Nil, fmt.Errorf("-job is required")
	}
	id, err := uuid.Parse(*job)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job id %q: %w", *job, err)
	}
	return id, nil
}

func runWait(ctx context.Context, l *launcher.Launcher, s3Client *s3.Client, args []string) error {
	fs := flag.NewFlagSet("wait", flag.ExitOnError)
	job := fs.String("job", "", "job id returned by submit")
	download := fs.String("download", "", "directory to download the artifact into")
	jobId, err := parseJobFlag(fs, args, job)
	if err != nil {
		return err
	}

	result, err := l.Wait(ctx, jobId)
	if err != nil {
		return err
	}
	fmt.Printf("job %s completed, artifact at %s\n", result.JobName, result.ArtifactS3URI)

	if *download != "" {
		localPath, err := s3Client.DownloadArtifact(ctx, result.ArtifactS3URI, *download)
		if err != nil {
			return err
		}
		fmt.Printf("artifact downloaded to %s\n", localPath)
	}
	return nil
}

func runStop(ctx context.Context, l *launcher.Launcher, args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	job := fs.String("job", "", "job id returned by submit")
	jobId, err := parseJobFlag(fs, args, job)
	if err != nil {
		return err
	}
	return l.Stop(ctx, jobId)
}

func runLogs(ctx context.Context, l *launcher.Launcher, platform *training.Client, args []string) error {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	job := fs.String("job", "", "job id returned by submit")
	jobId, err := parseJobFlag(fs, args, job)
	if err != nil {
		return err
	}

	record, err := l.GetJob(ctx, jobId)
	if err != nil {
		return err
	}

	events, err := platform.GetLogEvents(ctx, record.JobName)
	if err != nil {
		return err
	}
	for _, event := range events {
		fmt.Printf("%s [%s] %s\n", event.Timestamp.Format(time.RFC3339), event.Stream, event.Message)
	}
	return nil
}

func runDeploy(ctx context.Context, l *launcher.Launcher, args []string) error {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
	job := fs.String("job", "", "completed job id to deploy")
	name := fs.String("name", "", "endpoint name")
	instanceType := fs.String("instance-type", "", "hosting instance type")
	accelerator := fs.String("accelerator", "", "optional inference accelerator type")
	count := fs.Int("count", 1, "initial instance count")
	jobId, err := parseJobFlag(fs, args, job)
	if err != nil {
		return err
	}

	endpoint, err := l.Deploy(ctx, jobId, training.EndpointSpec{
		EndpointName:         *name,
		InstanceType:         *instanceType,
		AcceleratorType:      *accelerator,
		InitialInstanceCount: *count,
	})
	if err != nil {
		return err
	}

	fmt.Printf("endpoint %s is %s on %s", endpoint.Name, endpoint.Status, endpoint.InstanceType)
	if endpoint.AcceleratorType != "" {
		fmt.Printf(" with accelerator %s", endpoint.AcceleratorType)
	}
	fmt.Println()
	fmt.Println("remember to run teardown when done; a hosted endpoint bills until deleted")
	return nil
}

func runTeardown(ctx context.Context, l *launcher.Launcher, args []string) error {
	fs := flag.NewFlagSet("teardown", flag.ExitOnError)
	name := fs.String("name", "", "endpoint name")
	fs.Parse(args) //nolint:errcheck
	if *name == "" {
		return fmt.Errorf("-name is required")
	}
	return l.Teardown(ctx, *name)
}

func runInvoke(ctx context.Context, platform *training.Client, args []string) error {
	fs := flag.NewFlagSet("invoke", flag.ExitOnError)
	name := fs.String("name", "", "endpoint name")
	contentType := fs.String("content-type", "application/json", "request content type")
	data := fs.String("data", "-", "payload file, or - for stdin")
	fs.Parse(args) //nolint:errcheck
	if *name == "" {
		return fmt.Errorf("-name is required")
	}

	var payload []byte
	var err error
	if *data == "-" {
		payload, err = io.ReadAll(os.Stdin)
	} else {
		payload, err = os.ReadFile(*data)
	}
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}

	prediction, err := platform.InvokeEndpoint(ctx, *name, *contentType, payload)
	if err != nil {
		return err
	}

	var pretty json.RawMessage = prediction
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		// Not valid JSON, print as-is
		fmt.Println(string(prediction))
		return nil
	}
	fmt.Println(string(out))
	return nil
}
