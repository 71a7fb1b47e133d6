package export

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "bookflow/config"
	"bookflow/logger"
	"bookflow/store"
)

// Exporter turns a stored snapshot range into a parquet file on disk,
// optionally mirrored to S3.
type Exporter struct {
	config   *appconfig.Config
	store    *store.Store
	s3Client *s3.Client
	log      *logger.Log
}

// NewExporter creates an exporter. The S3 client is only configured
// when the archive S3 target is enabled.
func NewExporter(cfg *appconfig.Config, st *store.Store) (*Exporter, error) {
	log := logger.GetLogger()

	e := &Exporter{
		config: cfg,
		store:  st,
		log:    log,
	}

	if cfg.Archive.S3.Enabled {
		client, err := newS3Client(cfg)
		if err != nil {
			return nil, err
		}
		e.s3Client = client
		log.WithComponent("exporter").WithFields(logger.Fields{
			"bucket":     cfg.Archive.S3.Bucket,
			"region":     cfg.Archive.S3.Region,
			"endpoint":   cfg.Archive.S3.Endpoint,
			"path_style": cfg.Archive.S3.PathStyle,
		}).Info("s3 upload enabled")
	}

	return e, nil
}

func newS3Client(cfg *appconfig.Config) (*s3.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Archive.S3.Region),
	}
	if cfg.Archive.S3.AccessKeyID != "" && cfg.Archive.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Archive.S3.AccessKeyID,
				cfg.Archive.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Archive.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Archive.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Archive.S3.PathStyle
	}), nil
}

// Export writes the snapshot range [start, end] for instrument as a
// parquet file under the archive directory and returns its path. An
// empty range is an error so callers can tell archive gaps apart from
// successful runs.
func (e *Exporter) Export(ctx context.Context, instrument string, start, end time.Time) (string, error) {
	log := e.log.WithComponent("exporter").WithFields(logger.Fields{
		"instrument": instrument,
		"start":      start.UTC().Format(time.RFC3339),
		"end":        end.UTC().Format(time.RFC3339),
	})

	snapshots, err := e.store.QuerySnapshots(ctx, instrument, start.Unix(), end.Unix())
	if err != nil {
		return "", err
	}
	if len(snapshots) == 0 {
		return "", fmt.Errorf("no snapshots for %s in range %s..%s", instrument, start.UTC(), end.UTC())
	}

	name := fmt.Sprintf("%s_%d_%d.parquet", instrument, start.Unix(), end.Unix())
	path := filepath.Join(e.config.Archive.Dir, name)
	if err := os.MkdirAll(e.config.Archive.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create archive directory: %w", err)
	}

	buildStart := time.Now()
	if err := writeSnapshotParquet(path, instrument, snapshots); err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat archive file: %w", err)
	}
	logger.LogPerformanceEntry(log, "exporter", "build_parquet", time.Since(buildStart), logger.Fields{
		"snapshots": len(snapshots),
		"file_size": info.Size(),
	})
	logger.IncrementArchiveWrite(info.Size())

	if e.s3Client != nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to reread archive file: %w", err)
		}
		if err := e.upload(ctx, objectKey(instrument, start), data); err != nil {
			// The local file is already safe; S3 is best effort.
			log.WithError(err).Error("s3 upload failed")
		}
	}

	log.WithFields(logger.Fields{
		"path":      path,
		"snapshots": len(snapshots),
	}).Info("archive written")
	return path, nil
}

// objectKey partitions archives by instrument and day.
func objectKey(instrument string, start time.Time) string {
	day := start.UTC().Format("2006-01-02")
	return fmt.Sprintf("archive/%s/%s/%s_%d.parquet", instrument, day, instrument, start.Unix())
}

func (e *Exporter) upload(ctx context.Context, key string, data []byte) error {
	_, err := e.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.config.Archive.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":     "parquet",
			"bookflow-version": e.config.Bookflow.Version,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}
