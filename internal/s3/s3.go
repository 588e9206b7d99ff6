package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	aws_config "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/tkazusa/sagemaker-distributed-training/internal/utils"
)

type S3Api interface {
	manager.DownloadAPIClient
	manager.UploadAPIClient
	manager.ListObjectsV2APIClient

	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// Client stages training data into the object store and retrieves model
// artifacts produced by completed jobs.
type Client struct {
	s3Client   S3Api
	downloader *manager.Downloader
	uploader   *manager.Uploader

	uploadConcurrency int
}

type Config struct {
	S3EndpointURL     string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	UploadConcurrency int
}

func NewS3Client(cfg *Config) (*Client, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) { // nolint:staticcheck
		if cfg.S3EndpointURL != "" {
			return aws.Endpoint{ // nolint:staticcheck
				PartitionID:       "aws",
				URL:               cfg.S3EndpointURL,
				HostnameImmutable: true, // Important for MinIO
			}, nil
		}
		// fallback to default AWS endpoint resolution
		return aws.Endpoint{}, &aws.EndpointNotFoundError{} // nolint:staticcheck
	})

	var awsCfg aws.Config
	var err error

	if cfg.S3AccessKeyID != "" && cfg.S3SecretAccessKey != "" {
		awsCfg, err = aws_config.LoadDefaultConfig(context.TODO(),
			aws_config.WithEndpointResolverWithOptions(resolver),
			aws_config.WithRegion(cfg.S3Region),
			aws_config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, "")),
		)
	} else {
		awsCfg, err = aws_config.LoadDefaultConfig(context.TODO(),
			aws_config.WithEndpointResolverWithOptions(resolver),
			aws_config.WithRegion(cfg.S3Region),
		)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true // Use path-style addressing (needed for MinIO)
	})

	return NewFromClient(s3Client, cfg.UploadConcurrency), nil
}

func NewFromClient(client S3Api, uploadConcurrency int) *Client {
	if uploadConcurrency < 1 {
		uploadConcurrency = 4
	}
	return &Client{
		s3Client:          client,
		downloader:        manager.NewDownloader(client),
		uploader:          manager.NewUploader(client),
		uploadConcurrency: uploadConcurrency,
	}
}

func (c *Client) UploadFile(ctx context.Context, localPath, bucket, key string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open file %s: %w", localPath, err)
	}
	defer file.Close()

	return c.UploadObject(ctx, bucket, key, file)
}

func (c *Client) UploadObject(ctx context.Context, bucket, key string, data io.Reader) (string, error) {
	_, err := c.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload file to s3://%s/%s: %w", bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", bucket, key), nil
}

// StageDirectory uploads every file under localDir to s3Path, preserving
// the relative layout, and returns the channel URI. Uploads run in a small
// pool; report, when non-nil, is called once per finished file.
func (c *Client) StageDirectory(ctx context.Context, localDir, s3Path string, report func(localPath string)) (string, error) {
	bucket, prefix, err := ParseS3Path(s3Path)
	if err != nil {
		return "", err
	}

	var files []string
	err = filepath.Walk(localDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to walk directory %s: %w", localDir, err)
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no files found under %s", localDir)
	}

	queue := make(chan string, len(files))
	for _, f := range files {
		queue <- f
	}
	close(queue)

	completed := make(chan utils.CompletedTask[string], len(files))
	utils.RunInPool(func(path string) (string, error) {
		rel, err := filepath.Rel(localDir, path)
		if err != nil {
			return "", err
		}
		key := filepath.ToSlash(rel)
		if prefix != "" {
			key = strings.TrimSuffix(prefix, "/") + "/" + key
		}
		if _, err := c.UploadFile(ctx, path, bucket, key); err != nil {
			return "", err
		}
		return path, nil
	}, queue, completed, c.uploadConcurrency)

	for done := range completed {
		if done.Error != nil {
			return "", fmt.Errorf("failed to stage %s to %s: %w", localDir, s3Path, done.Error)
		}
		if report != nil {
			report(done.Result)
		}
	}

	slog.Info("staged directory", "local_dir", localDir, "s3_path", s3Path, "files", len(files))
	return s3Path, nil
}

func (c *Client) DownloadFile(ctx context.Context, bucket, key, localPath string) error {
	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", localPath, err)
	}
	defer file.Close()

	_, err = c.downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		// Clean up empty file on failure
		file.Close()
		os.Remove(localPath)
		return fmt.Errorf("failed to download file s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// DownloadArtifact fetches the output archive of a completed job into
// downloadDir and returns the local path.
func (c *Client) DownloadArtifact(ctx context.Context, artifactS3Path, downloadDir string) (string, error) {
	bucket, key, err := ParseS3Path(artifactS3Path)
	if err != nil {
		return "", err
	}

	localPath := filepath.Join(downloadDir, filepath.Base(key))
	if err := c.DownloadFile(ctx, bucket, key, localPath); err != nil {
		return "", err
	}
	slog.Info("downloaded model artifact", "s3_path", artifactS3Path, "local_path", localPath)
	return localPath, nil
}

func (c *Client) ListFiles(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	pageCount := 0
	for paginator.HasMorePages() {
		pageCount++
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects (page %d) in s3://%s/%s: %w", pageCount, bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key != nil && !strings.HasSuffix(*obj.Key, "/") { // Exclude "directories"
				keys = append(keys, *obj.Key)
			}
		}
	}
	return keys, nil
}

func (c *Client) CreateBucket(ctx context.Context, bucketName string) error {
	_, err := c.s3Client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucketName),
	})
	if err != nil {
		var existErr *types.BucketAlreadyExists
		var ownedErr *types.BucketAlreadyOwnedByYou
		if errors.As(err, &existErr) || errors.As(err, &ownedErr) {
			slog.Info("bucket already exists", "bucket", bucketName)
			return nil
		}

		return fmt.Errorf("failed to create bucket %s: %w", bucketName, err)
	}
	return nil
}

func ParseS3Path(s3Path string) (bucket, key string, err error) {
	parsed, err := url.Parse(s3Path)
	if err != nil {
		return "", "", fmt.Errorf("invalid S3 path '%s': %w", s3Path, err)
	}
	if parsed.Scheme != "s3" {
		return "", "", fmt.Errorf("invalid scheme in S3 path '%s', expected 's3'", s3Path)
	}
	bucket = parsed.Host
	key = strings.TrimPrefix(parsed.Path, "/")
	return bucket, key, nil
}
