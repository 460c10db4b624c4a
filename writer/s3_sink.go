package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "optionflow/config"
	"optionflow/logger"
	"optionflow/models"
)

// ParquetRow is the archival schema for a consolidated option chain row.
type ParquetRow struct {
	Index        string   `parquet:"name=index, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExpiryBucket string   `parquet:"name=expiry_bucket, type=BYTE_ARRAY, convertedtype=UTF8"`
	StrikeOffset int32    `parquet:"name=strike_offset, type=INT32"`
	Timestamp    int64    `parquet:"name=timestamp, type=INT64"`
	CEPrice      *float64 `parquet:"name=ce_price, type=DOUBLE, repetitiontype=OPTIONAL"`
	CEOI         *int64   `parquet:"name=ce_oi, type=INT64, repetitiontype=OPTIONAL"`
	CEVolume     *int64   `parquet:"name=ce_volume, type=INT64, repetitiontype=OPTIONAL"`
	PEPrice      *float64 `parquet:"name=pe_price, type=DOUBLE, repetitiontype=OPTIONAL"`
	PEOI         *int64   `parquet:"name=pe_oi, type=INT64, repetitiontype=OPTIONAL"`
	PEVolume     *int64   `parquet:"name=pe_volume, type=INT64, repetitiontype=OPTIONAL"`
	Partial      bool     `parquet:"name=partial, type=BOOLEAN"`
	TotalPremium *float64 `parquet:"name=total_premium, type=DOUBLE, repetitiontype=OPTIONAL"`
	PutCallRatio *float64 `parquet:"name=put_call_ratio, type=DOUBLE, repetitiontype=OPTIONAL"`
}

// memoryFileWriter implements ParquetFile for in-memory writing
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error) {
	return mfw, nil
}

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error) {
	return mfw.buffer.Read(b)
}

func (mfw *memoryFileWriter) Write(b []byte) (int, error) {
	return mfw.buffer.Write(b)
}

func (mfw *memoryFileWriter) Close() error {
	return nil
}

func (mfw *memoryFileWriter) Bytes() []byte {
	return mfw.buffer.Bytes()
}

// S3Sink archives each batch as one parquet object. The object key is
// derived from the batch ID, so replaying a batch overwrites the same
// object rather than duplicating it.
type S3Sink struct {
	cfg      appconfig.S3SinkConfig
	s3Client *s3.Client
	log      *logger.Log
}

func NewS3Sink(cfg appconfig.S3SinkConfig) (*S3Sink, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("s3_sink").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	log.WithComponent("s3_sink").WithFields(logger.Fields{
		"bucket":     cfg.Bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("s3 sink initialized")

	return &S3Sink{cfg: cfg, s3Client: client, log: log}, nil
}

func (s *S3Sink) Name() string { return "s3" }

func (s *S3Sink) Write(ctx context.Context, batch *models.Batch) error {
	log := s.log.WithComponent("s3_sink").WithFields(logger.Fields{
		"batch_id":  batch.BatchID,
		"partition": batch.PartitionKey,
		"rows":      len(batch.Rows),
	})

	if len(batch.Rows) == 0 {
		log.Debug("batch has no rows, skipping")
		return nil
	}

	key := s.objectKey(batch)
	data, size, err := s.createParquetFile(batch.Rows)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return fmt.Errorf("%w: %v", ErrSinkWriteFailed, err)
	}

	if err := s.upload(ctx, key, data); err != nil {
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": s.cfg.Bucket, "s3_key": key}).
			Error("failed to upload to S3")
		return fmt.Errorf("%w: %v", ErrSinkUnreachable, err)
	}

	log.WithFields(logger.Fields{"s3_key": key, "file_size": size}).Info("batch archived")
	return nil
}

func (s *S3Sink) Close() error { return nil }

func (s *S3Sink) objectKey(batch *models.Batch) string {
	ts := batch.CreatedAt.UTC()
	key := filepath.Join(
		fmt.Sprintf("partition=%s", batch.PartitionKey),
		fmt.Sprintf("%04d/%02d/%02d", ts.Year(), ts.Month(), ts.Day()),
		fmt.Sprintf("batch_%s.parquet", batch.BatchID),
	)
	return filepath.ToSlash(key)
}

func (s *S3Sink) createParquetFile(rows []models.MergedRow) ([]byte, int64, error) {
	fw := newMemoryFileWriter()

	pw, err := parquetwriter.NewParquetWriter(fw, new(ParquetRow), 4)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch s.cfg.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for i := range rows {
		row := &rows[i]
		rec := ParquetRow{
			Index:        row.Index,
			ExpiryBucket: row.ExpiryBucket,
			StrikeOffset: int32(row.StrikeOffset),
			Timestamp:    row.Timestamp.UnixMilli(),
			CEPrice:      row.CEPrice,
			CEOI:         row.CEOI,
			CEVolume:     row.CEVolume,
			PEPrice:      row.PEPrice,
			PEOI:         row.PEOI,
			PEVolume:     row.PEVolume,
			Partial:      row.Partial,
			TotalPremium: row.TotalPremium,
			PutCallRatio: row.PutCallRatio,
		}
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			return nil, 0, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, 0, fmt.Errorf("failed to finalize parquet file: %w", err)
	}

	data := fw.Bytes()
	return data, int64(len(data)), nil
}

func (s *S3Sink) upload(ctx context.Context, key string, data []byte) error {
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return err
}
