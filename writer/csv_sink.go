package writer

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"optionflow/logger"
	"optionflow/models"
)

var csvHeader = []string{
	"index", "expiry_bucket", "strike_offset", "timestamp",
	"ce_price", "ce_oi", "ce_volume",
	"pe_price", "pe_oi", "pe_volume",
	"partial", "total_premium", "total_volume", "total_oi", "put_call_ratio",
}

// CSVSink appends consolidated rows to one file per partition day. A
// sidecar manifest records every committed batch ID so replayed batches
// are acknowledged without writing twice.
type CSVSink struct {
	dir       string
	mu        sync.Mutex
	committed map[string]map[string]struct{}
	log       *logger.Log
}

func NewCSVSink(dir string) (*CSVSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create csv directory: %w", err)
	}
	return &CSVSink{
		dir:       dir,
		committed: make(map[string]map[string]struct{}),
		log:       logger.GetLogger(),
	}, nil
}

func (s *CSVSink) Name() string { return "csv" }

func (s *CSVSink) Write(ctx context.Context, batch *models.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.log.WithComponent("csv_sink").WithFields(logger.Fields{
		"batch_id":  batch.BatchID,
		"partition": batch.PartitionKey,
	})

	seen, err := s.manifest(batch.PartitionKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSinkWriteFailed, err)
	}
	if _, ok := seen[batch.BatchID]; ok {
		log.Debug("batch already committed, skipping")
		return nil
	}

	path := filepath.Join(s.dir, batch.PartitionKey+".csv")
	writeHeader := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		writeHeader = true
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSinkWriteFailed, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	if writeHeader {
		fmt.Fprintln(w, strings.Join(csvHeader, ","))
	}
	for i := range batch.Rows {
		fmt.Fprintln(w, rowToCSV(&batch.Rows[i]))
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkWriteFailed, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkWriteFailed, err)
	}

	if err := s.recordBatch(batch.PartitionKey, batch.BatchID); err != nil {
		return fmt.Errorf("%w: %v", ErrSinkWriteFailed, err)
	}

	log.WithFields(logger.Fields{"rows": len(batch.Rows)}).Debug("batch appended to csv")
	return nil
}

func (s *CSVSink) Close() error { return nil }

func (s *CSVSink) manifestPath(partition string) string {
	return filepath.Join(s.dir, partition+".manifest")
}

// manifest loads committed batch IDs for a partition, caching the result.
func (s *CSVSink) manifest(partition string) (map[string]struct{}, error) {
	if seen, ok := s.committed[partition]; ok {
		return seen, nil
	}

	seen := make(map[string]struct{})
	data, err := os.ReadFile(s.manifestPath(partition))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			seen[line] = struct{}{}
		}
	}
	s.committed[partition] = seen
	return seen, nil
}

func (s *CSVSink) recordBatch(partition, batchID string) error {
	f, err := os.OpenFile(s.manifestPath(partition), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, batchID); err != nil {
		return err
	}
	s.committed[partition][batchID] = struct{}{}
	return nil
}

func rowToCSV(row *models.MergedRow) string {
	cols := []string{
		row.Index,
		row.ExpiryBucket,
		strconv.Itoa(row.StrikeOffset),
		row.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		floatCol(row.CEPrice),
		intCol(row.CEOI),
		intCol(row.CEVolume),
		floatCol(row.PEPrice),
		intCol(row.PEOI),
		intCol(row.PEVolume),
		strconv.FormatBool(row.Partial),
		floatCol(row.TotalPremium),
		intCol(row.TotalVolume),
		intCol(row.TotalOI),
		floatCol(row.PutCallRatio),
	}
	return strings.Join(cols, ",")
}

func floatCol(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func intCol(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}
