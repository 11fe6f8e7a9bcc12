package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"digestwire/internal/digest"
	"digestwire/internal/retry"
)

// ArchiveConfig configures the object-store archive sink.
type ArchiveConfig struct {
	Bucket       string
	Region       string
	Prefix       string
	Profile      string
	ExcerptChars int
}

// objectPutter is the slice of the S3 client the sink needs; tests swap it.
type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveSink uploads the rendered digest to cold storage. An archive
// upload always happens, even for an empty digest: the record that a run
// produced nothing is itself the audit artifact.
type ArchiveSink struct {
	cfg    ArchiveConfig
	client objectPutter
}

// NewArchiveSink creates the archive sink using the default AWS credential
// chain, with optional region and profile overrides.
func NewArchiveSink(ctx context.Context, cfg ArchiveConfig) (*ArchiveSink, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		loadOpts = append(loadOpts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return &ArchiveSink{cfg: cfg, client: s3.NewFromConfig(awsCfg)}, nil
}

func (s *ArchiveSink) ID() string { return "archive" }

func (s *ArchiveSink) Deliver(ctx context.Context, d *digest.Digest) error {
	html, err := d.HTML(s.cfg.ExcerptChars)
	if err != nil {
		return retry.Permanent(fmt.Errorf("rendering digest: %w", err))
	}

	key := s.ObjectKey(d)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(html),
		ContentType: aws.String("text/html; charset=utf-8"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case "NoSuchBucket", "AccessDenied", "InvalidBucketName":
				// configuration problems will not get better on retry
				return retry.Permanent(fmt.Errorf("upload to %s: %w", key, err))
			}
		}
		return fmt.Errorf("upload to %s: %w", key, err)
	}
	return nil
}

// ObjectKey is the dated archive layout: {prefix}digests/YYYY/MM/DD/digest-{run_id}.html
func (s *ArchiveSink) ObjectKey(d *digest.Digest) string {
	prefix := s.cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return fmt.Sprintf("%sdigests/%s/digest-%s.html", prefix, d.Date.Format("2006/01/02"), d.RunID)
}
