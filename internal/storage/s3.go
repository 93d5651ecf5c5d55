package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/helixir/crawler-extractor/internal/config"
	"github.com/helixir/crawler-extractor/internal/domain"
)

var _ Gateway = (*S3Gateway)(nil)

// objectAPI is the subset of the S3 client used by the gateway.
type objectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Gateway stores artifacts in S3 or an S3 compatible service.
type S3Gateway struct {
	client     objectAPI
	pdfBucket  string
	textBucket string
	logger     zerolog.Logger
}

// NewS3Gateway builds an S3 client from cfg. Static credentials are used when
// both keys are set; otherwise the default AWS credential chain applies.
func NewS3Gateway(ctx context.Context, cfg config.StorageConfig, logger zerolog.Logger) (*S3Gateway, error) {
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
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return newS3Gateway(client, cfg.Bucket, cfg.TextBucketName(), logger), nil
}

func newS3Gateway(client objectAPI, pdfBucket, textBucket string, logger zerolog.Logger) *S3Gateway {
	return &S3Gateway{
		client:     client,
		pdfBucket:  pdfBucket,
		textBucket: textBucket,
		logger:     logger.With().Str("component", "storage").Logger(),
	}
}

// StorePDF uploads a PDF under <paperID>/<sha1>-<filename>.
func (g *S3Gateway) StorePDF(ctx context.Context, paperID, filename string, data []byte) (domain.StorageRef, error) {
	return g.put(ctx, g.pdfBucket, ObjectKey(paperID, filename, data), data, "application/pdf")
}

// StoreText uploads extracted text as UTF-8.
func (g *S3Gateway) StoreText(ctx context.Context, paperID, text string) (domain.StorageRef, error) {
	data := []byte(text)
	return g.put(ctx, g.textBucket, ObjectKey(paperID, TextFilename, data), data, "text/plain; charset=utf-8")
}

// FetchBlob downloads the object ref points at.
func (g *S3Gateway) FetchBlob(ctx context.Context, ref domain.StorageRef) ([]byte, error) {
	bucket, key, err := parseRef(ref)
	if err != nil {
		return nil, err
	}

	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if errors.As(err, &noSuchKey) {
			return nil, fmt.Errorf("%w: %w", domain.ErrStorage, domain.NewNotFoundError("blob", ref.URI))
		}
		return nil, fmt.Errorf("%w: get %s: %w", domain.ErrStorage, ref.URI, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", domain.ErrStorage, ref.URI, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty blob for %s", domain.ErrStorage, ref.URI)
	}
	return data, nil
}

func (g *S3Gateway) put(ctx context.Context, bucket, key string, data []byte, contentType string) (domain.StorageRef, error) {
	ref := domain.NewStorageRef(bucket, key)

	_, err := g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
		CacheControl:  aws.String("max-age=3600"),
		IfNoneMatch:   aws.String("*"),
	})
	if err != nil {
		if isDuplicateObject(err) {
			g.logger.Debug().Str("uri", ref.URI).Msg("object already stored")
			return ref, nil
		}
		return domain.StorageRef{}, fmt.Errorf("%w: put %s: %w", domain.ErrStorage, ref.URI, err)
	}

	g.logger.Debug().Str("uri", ref.URI).Int("bytes", len(data)).Msg("object stored")
	return ref, nil
}

// isDuplicateObject reports whether a conditional put failed because the key
// already holds an object.
func isDuplicateObject(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "ConditionalRequestConflict", "Duplicate", "ResourceAlreadyExists":
		return true
	}
	return false
}
