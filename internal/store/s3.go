package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/edvin/sitebackup/internal/config"
)

// S3API is the subset of the S3 client used by S3Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// NewS3Client returns a client for the configured S3-compatible provider.
// A custom endpoint implies path-style addressing.
func NewS3Client(cfg config.S3Config) *s3.Client {
	opts := s3.Options{
		Region:      cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}

// S3Store keeps archives in a bucket under an optional prefix. The same type
// serves as the downloader for remotely stored uploads.
type S3Store struct {
	client     S3API
	bucket     string
	prefix     string
	maxBackups int
	logger     zerolog.Logger
}

func NewS3Store(client S3API, bucket, prefix string, maxBackups int, logger zerolog.Logger) *S3Store {
	return &S3Store{
		client:     client,
		bucket:     bucket,
		prefix:     prefix,
		maxBackups: maxBackups,
		logger:     logger.With().Str("component", "s3-store").Str("bucket", bucket).Logger(),
	}
}

func (s *S3Store) IsRemote() bool   { return true }
func (s *S3Store) Location() string { return "S3" }

func (s *S3Store) key(name string) string {
	return path.Join(s.prefix, name)
}

func (s *S3Store) UploadFile(ctx context.Context, filename, localPath, contentType string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", localPath, err)
	}

	key := s.key(filename)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("upload %s to s3: %w", key, err)
	}

	s.logger.Info().Str("key", key).Int64("size", info.Size()).Msg("uploaded backup")
	return nil
}

func (s *S3Store) DownloadFile(ctx context.Context, key, destPath string) error {
	fullKey := s.key(key)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		return fmt.Errorf("download %s from s3: %w", fullKey, err)
	}
	defer out.Body.Close()

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", destPath, err)
	}
	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		os.Remove(destPath)
		return fmt.Errorf("download %s from s3: %w", fullKey, err)
	}
	return f.Close()
}

func (s *S3Store) List(ctx context.Context) ([]BackupFile, error) {
	input := &s3.ListObjectsV2Input{Bucket: aws.String(s.bucket)}
	if s.prefix != "" {
		input.Prefix = aws.String(s.prefix + "/")
	}

	var files []BackupFile
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3 backups: %w", err)
		}
		for _, obj := range page.Contents {
			name := path.Base(aws.ToString(obj.Key))
			if !isBackupFile(name) {
				continue
			}
			files = append(files, BackupFile{
				Filename:     name,
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	sortNewestFirst(files)
	return files, nil
}

func (s *S3Store) DeleteOld(ctx context.Context) error {
	files, err := s.List(ctx)
	if err != nil {
		return err
	}
	for _, f := range expired(files, s.maxBackups) {
		key := s.key(f.Filename)
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("delete old backup %s: %w", key, err)
		}
		s.logger.Info().Str("key", key).Msg("deleted old backup")
	}
	return nil
}
