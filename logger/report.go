package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type flowStat struct {
	messages int64
	bytes    int64
}

var (
	fetchErrors      int64
	fetchWarns       int64
	aggregatorErrors int64
	aggregatorWarns  int64
	upstreamReads    int64
	broadcastWrites  int64
	flows            sync.Map // map[string]*flowStat
)

func recordWarn(component string) {
	if strings.Contains(component, "reader") || strings.Contains(component, "fetcher") {
		atomic.AddInt64(&fetchWarns, 1)
	} else if strings.Contains(component, "aggregator") {
		atomic.AddInt64(&aggregatorWarns, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "reader") || strings.Contains(component, "fetcher") {
		atomic.AddInt64(&fetchErrors, 1)
	} else if strings.Contains(component, "aggregator") {
		atomic.AddInt64(&aggregatorErrors, 1)
	}
}

// IncrementUpstreamRead counts one upstream HTTP response of the given size.
func IncrementUpstreamRead(size int) {
	atomic.AddInt64(&upstreamReads, 1)
	recordFlow("upstream_rest", size)
}

// IncrementBroadcastWrite counts one payload pushed to websocket subscribers.
func IncrementBroadcastWrite(size int) {
	atomic.AddInt64(&broadcastWrites, 1)
	recordFlow("broadcast_ws", size)
}

// RecordFlowMessage tracks message counts and byte volume for a named flow.
func RecordFlowMessage(name string, size int) {
	recordFlow(name, size)
}

func recordFlow(name string, size int) {
	v, _ := flows.LoadOrStore(name, &flowStat{})
	fs := v.(*flowStat)
	atomic.AddInt64(&fs.messages, 1)
	atomic.AddInt64(&fs.bytes, int64(size))
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

// StartReport begins periodic logging of system and flow statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)
	flowData := map[string]map[string]int64{}
	flows.Range(func(k, v any) bool {
		name := k.(string)
		fs := v.(*flowStat)
		flowData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&fs.messages),
			"bytes":    atomic.LoadInt64(&fs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"fetch_errors":      atomic.LoadInt64(&fetchErrors),
		"fetch_warns":       atomic.LoadInt64(&fetchWarns),
		"aggregator_errors": atomic.LoadInt64(&aggregatorErrors),
		"aggregator_warns":  atomic.LoadInt64(&aggregatorWarns),
		"upstream_reads":    atomic.LoadInt64(&upstreamReads),
		"broadcast_writes":  atomic.LoadInt64(&broadcastWrites),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         int64(memStats.Used) / 1024 / 1024,
		"flows":             flowData,
		"net_bytes_sent":    int64(bytesSent),
		"net_bytes_recv":    int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("PerpFlow-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("PerpFlow-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("PerpFlow-FetchErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["fetch_errors"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("PerpFlow-FetchWarns"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["fetch_warns"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("PerpFlow-AggregatorErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["aggregator_errors"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("PerpFlow-UpstreamReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["upstream_reads"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("PerpFlow-BroadcastWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["broadcast_writes"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("PerpFlow-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("PerpFlow-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range flowData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("PerpFlow-FlowMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("PerpFlow-FlowBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
