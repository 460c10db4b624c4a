package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsCollector   int64
	errorsWriter      int64
	warnsCollector    int64
	warnsWriter       int64
	pollCycles        int64
	batchesCommitted  int64
	sinkWrites        int64
	deadLetterBatches int64
	channels          sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "collector") {
		atomic.AddInt64(&warnsCollector, 1)
	} else if strings.Contains(component, "writer") || strings.Contains(component, "sink") {
		atomic.AddInt64(&warnsWriter, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "collector") {
		atomic.AddInt64(&errorsCollector, 1)
	} else if strings.Contains(component, "writer") || strings.Contains(component, "sink") {
		atomic.AddInt64(&errorsWriter, 1)
	}
}

func IncrementPollCycle(records int) {
	atomic.AddInt64(&pollCycles, 1)
	recordChannel("collector_poll", records)
}

func IncrementBatchCommitted(rows int) {
	atomic.AddInt64(&batchesCommitted, 1)
	recordChannel("batch_commit", rows)
}

func IncrementSinkWrite(name string, size int) {
	atomic.AddInt64(&sinkWrites, 1)
	recordChannel("sink_"+name, size)
}

func IncrementDeadLetter(rows int) {
	atomic.AddInt64(&deadLetterBatches, 1)
	recordChannel("dead_letter", rows)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	fields := Fields{
		"errors_collector":    atomic.LoadInt64(&errorsCollector),
		"errors_writer":       atomic.LoadInt64(&errorsWriter),
		"warns_collector":     atomic.LoadInt64(&warnsCollector),
		"warns_writer":        atomic.LoadInt64(&warnsWriter),
		"poll_cycles":         atomic.LoadInt64(&pollCycles),
		"batches_committed":   atomic.LoadInt64(&batchesCommitted),
		"sink_writes":         atomic.LoadInt64(&sinkWrites),
		"dead_letter_batches": atomic.LoadInt64(&deadLetterBatches),
		"goroutines":          runtime.NumGoroutine(),
		"cpu_percent":         cpuPct,
		"memory_mb":           int64(memStats.Used) / 1024 / 1024,
		"disk_mb":             int64(diskStats.Used) / 1024 / 1024,
		"channels":            channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("OF-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("OF-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("OF-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("OF-ErrorsCollector"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsCollector)))},
		cwtypes.MetricDatum{MetricName: aws.String("OF-ErrorsWriter"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsWriter)))},
		cwtypes.MetricDatum{MetricName: aws.String("OF-WarnsCollector"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsCollector)))},
		cwtypes.MetricDatum{MetricName: aws.String("OF-WarnsWriter"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsWriter)))},
		cwtypes.MetricDatum{MetricName: aws.String("OF-PollCycles"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&pollCycles)))},
		cwtypes.MetricDatum{MetricName: aws.String("OF-BatchesCommitted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&batchesCommitted)))},
		cwtypes.MetricDatum{MetricName: aws.String("OF-SinkWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&sinkWrites)))},
		cwtypes.MetricDatum{MetricName: aws.String("OF-DeadLetterBatches"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&deadLetterBatches)))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("OF-ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("OF-ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
