package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/rl1809/pharmacy-refill/internal/core/domain"
)

type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string // optional, e.g. MinIO
	PathStyle bool
	Prefix    string
}

// S3WorkflowStore writes each snapshot as a JSON object under Prefix.
type S3WorkflowStore struct {
	client s3API
	bucket string
	prefix string
}

func NewS3WorkflowStore(ctx context.Context, cfg S3Config) (*S3WorkflowStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newS3WorkflowStore(client, cfg.Bucket, cfg.Prefix), nil
}

func newS3WorkflowStore(client s3API, bucket, prefix string) *S3WorkflowStore {
	if prefix == "" {
		prefix = "workflows/"
	}
	return &S3WorkflowStore{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3WorkflowStore) key(threadID string) string {
	return s.prefix + threadID + ".json"
}

func (s *S3WorkflowStore) Save(ctx context.Context, state domain.WorkflowState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode workflow: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(state.ThreadID)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put workflow: %w", err)
	}
	return nil
}

func (s *S3WorkflowStore) Load(ctx context.Context, threadID string) (domain.WorkflowState, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(threadID)),
	})
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return domain.WorkflowState{}, fmt.Errorf("workflow %q: %w", threadID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.WorkflowState{}, fmt.Errorf("get workflow: %w", err)
	}
	defer out.Body.Close()

	payload, err := io.ReadAll(out.Body)
	if err != nil {
		return domain.WorkflowState{}, fmt.Errorf("read workflow: %w", err)
	}
	var state domain.WorkflowState
	if err := json.Unmarshal(payload, &state); err != nil {
		return domain.WorkflowState{}, fmt.Errorf("decode workflow: %w", err)
	}
	return state, nil
}

type s3Lease struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *S3WorkflowStore) lockKey(key string) string {
	return s.prefix + "locks/" + key
}

// TryLock creates the lease object with a conditional write. An expired lease
// is replaced only if it is still the object that was read.
func (s *S3WorkflowStore) TryLock(ctx context.Context, key string, ttl time.Duration) (func() error, error) {
	objKey := s.lockKey(key)
	lease := s3Lease{Token: uuid.NewString(), ExpiresAt: time.Now().Add(ttl).UTC()}
	body, err := json.Marshal(lease)
	if err != nil {
		return nil, fmt.Errorf("encode lease: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objKey),
		Body:        bytes.NewReader(body),
		IfNoneMatch: aws.String("*"),
	})
	if isConditionFailed(err) {
		err = s.takeOverExpired(ctx, key, objKey, body)
	}
	if err != nil {
		return nil, err
	}

	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		held, _, err := s.readLease(ctx, objKey)
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("release lock %q: %w", key, err)
		}
		if held.Token != lease.Token {
			return nil
		}
		_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objKey),
		})
		if err != nil {
			return fmt.Errorf("release lock %q: %w", key, err)
		}
		return nil
	}, nil
}

func (s *S3WorkflowStore) takeOverExpired(ctx context.Context, key, objKey string, body []byte) error {
	held, etag, err := s.readLease(ctx, objKey)
	if errors.Is(err, domain.ErrNotFound) {
		// released between our put and read; the next attempt can retry
		return fmt.Errorf("lock %q: %w", key, domain.ErrDuplicateRequest)
	}
	if err != nil {
		return fmt.Errorf("read lease %q: %w", key, err)
	}
	if time.Now().Before(held.ExpiresAt) {
		return fmt.Errorf("lock %q: %w", key, domain.ErrDuplicateRequest)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:  aws.String(s.bucket),
		Key:     aws.String(objKey),
		Body:    bytes.NewReader(body),
		IfMatch: aws.String(etag),
	})
	if isConditionFailed(err) {
		return fmt.Errorf("lock %q: %w", key, domain.ErrDuplicateRequest)
	}
	if err != nil {
		return fmt.Errorf("replace lease %q: %w", key, err)
	}
	return nil
}

func (s *S3WorkflowStore) readLease(ctx context.Context, objKey string) (s3Lease, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return s3Lease{}, "", domain.ErrNotFound
	}
	if err != nil {
		return s3Lease{}, "", err
	}
	defer out.Body.Close()

	var lease s3Lease
	if err := json.NewDecoder(out.Body).Decode(&lease); err != nil {
		return s3Lease{}, "", fmt.Errorf("decode lease: %w", err)
	}
	return lease, aws.ToString(out.ETag), nil
}

// isConditionFailed reports a lost conditional write.
func isConditionFailed(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict":
		return true
	}
	return false
}
