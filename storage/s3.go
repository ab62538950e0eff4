package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"scrape_runs/config"
	"scrape_runs/models"
)

// Uploader puts objects somewhere durable. S3Uploader is the real one.
type Uploader interface {
	Upload(ctx context.Context, key string, data io.Reader, contentType string) error
	PublicURL(key string) string
}

// S3Uploader uploads run archives to S3-compatible storage.
type S3Uploader struct {
	client *s3.Client
	cfg    config.S3Config
}

func NewS3Uploader(ctx context.Context, cfg config.S3Config) (*S3Uploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var client *s3.Client
	if cfg.Endpoint != "" {
		client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else {
		client = s3.NewFromConfig(awsCfg)
	}

	return &S3Uploader{client: client, cfg: cfg}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, key string, data io.Reader, contentType string) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.cfg.Bucket),
		Key:         aws.String(key),
		Body:        data,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// PublicURL returns where an uploaded key can be read from.
func (u *S3Uploader) PublicURL(key string) string {
	if u.cfg.Endpoint != "" && strings.Contains(u.cfg.Endpoint, "digitaloceanspaces.com") {
		host := strings.TrimPrefix(u.cfg.Endpoint, "https://")
		return fmt.Sprintf("https://%s.%s/%s", u.cfg.Bucket, host, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.cfg.Bucket, u.cfg.Region, key)
}

// RunArchive is the document written for a completed run.
type RunArchive struct {
	Run      models.Run       `json:"run"`
	Listings []models.Listing `json:"listings"`
}

// ArchiveKey is runs/<signature>/<run id>.json, so every run of one query
// sits under one prefix.
func ArchiveKey(run *models.Run) string {
	return fmt.Sprintf("runs/%s/%d.json", run.QueryHash, run.ID)
}

// UploadRunArchive serializes a run with its listings and uploads it.
func UploadRunArchive(ctx context.Context, up Uploader, run *models.Run, listings []models.Listing) (string, error) {
	data, err := json.Marshal(RunArchive{Run: *run, Listings: listings})
	if err != nil {
		return "", fmt.Errorf("encode archive: %w", err)
	}
	key := ArchiveKey(run)
	if err := up.Upload(ctx, key, bytes.NewReader(data), "application/json"); err != nil {
		return "", err
	}
	return key, nil
}
