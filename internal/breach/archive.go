package breach

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/google/uuid"
)

// ArchiveConfig holds S3 archive configuration. Closed breaches are archived
// to object storage; breach records are never hard-deleted.
type ArchiveConfig struct {
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// DefaultArchiveConfig returns default archive configuration.
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Region: "us-east-1",
		Bucket: "breachwatch-archive",
		Prefix: "breaches/",
	}
}

// Validate checks if the configuration is usable.
func (c *ArchiveConfig) Validate() error {
	if c.Region == "" {
		return errors.New("archive: region is required")
	}
	if c.Bucket == "" {
		return errors.New("archive: bucket is required")
	}
	return nil
}

// Archiver writes closed breaches with their full timelines to S3 as
// gzipped JSON documents.
type Archiver struct {
	client *s3.Client
	config ArchiveConfig
	store  Store

	archived atomic.Int64
	failures atomic.Int64
}

// archivedBreach is the document layout written to object storage.
type archivedBreach struct {
	Breach     *Breach   `json:"breach"`
	Timeline   []*Event  `json:"timeline"`
	ArchivedAt time.Time `json:"archived_at"`
}

// NewArchiver builds the S3 client and verifies the configuration.
func NewArchiver(ctx context.Context, cfg ArchiveConfig, store Store) (*Archiver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("archive: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		store:  store,
	}, nil
}

// Archive uploads a closed breach and its timeline. Open breaches are
// rejected; the live store remains the source of truth either way.
func (a *Archiver) Archive(ctx context.Context, breachID uuid.UUID) (string, error) {
	b, err := a.store.Get(ctx, breachID)
	if err != nil {
		return "", err
	}
	if !b.Status.Terminal() {
		return "", fmt.Errorf("archive: breach %s is still %s", breachID, b.Status)
	}

	timeline, err := a.store.Timeline(ctx, breachID)
	if err != nil {
		return "", err
	}

	doc := archivedBreach{
		Breach:     b,
		Timeline:   timeline,
		ArchivedAt: time.Now().UTC(),
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := json.NewEncoder(gz).Encode(doc); err != nil {
		return "", fmt.Errorf("archive: encode breach %s: %w", breachID, err)
	}
	if err := gz.Close(); err != nil {
		return "", fmt.Errorf("archive: compress breach %s: %w", breachID, err)
	}

	key := fmt.Sprintf("%s%s/%s.json.gz",
		a.config.Prefix, b.DetectedAt.UTC().Format("2006/01/02"), b.ID)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(a.config.Bucket),
		Key:          aws.String(key),
		Body:         bytes.NewReader(buf.Bytes()),
		ContentType:  aws.String("application/gzip"),
		StorageClass: types.StorageClassIntelligentTiering,
		Metadata: map[string]string{
			"breach-id":  b.ID.String(),
			"status":     string(b.Status),
			"severity":   string(b.Severity),
			"resolution": string(b.Resolution),
		},
	})
	if err != nil {
		a.failures.Add(1)
		return "", fmt.Errorf("archive: upload breach %s: %w", breachID, err)
	}

	a.archived.Add(1)
	slog.Info("breach archived", "breach_id", b.ID, "key", key, "bytes", buf.Len())
	return key, nil
}

// ArchiveClosed archives every terminal breach closed before the cutoff.
// Failures are logged per breach and do not stop the sweep.
func (a *Archiver) ArchiveClosed(ctx context.Context, cutoff time.Time) (int, error) {
	archived := 0
	for _, status := range []Status{StatusResolved, StatusFalsePositive} {
		closed, err := a.store.List(ctx, Filter{Status: status})
		if err != nil {
			return archived, err
		}
		for _, b := range closed {
			if b.ResolvedAt == nil || b.ResolvedAt.After(cutoff) {
				continue
			}
			if _, err := a.Archive(ctx, b.ID); err != nil {
				slog.Error("breach archive failed", "breach_id", b.ID, "error", err)
				continue
			}
			archived++
		}
	}
	return archived, nil
}

// Stats returns archiver counters.
func (a *Archiver) Stats() map[string]interface{} {
	return map[string]interface{}{
		"archived": a.archived.Load(),
		"failures": a.failures.Load(),
	}
}
