package logger

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var cwClient *cloudwatch.Client
var cwNamespace = "OptionFlow"
var cwDashboard = "OptionFlow"

// InitCloudWatch sets up the CloudWatch client. An empty region falls back
// to AWS_REGION. Any failure leaves metric publishing disabled; the pipeline
// runs fine without it.
func InitCloudWatch(region, namespace, dashboard string) {
	log := GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	ctx := context.Background()
	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	cwClient = cloudwatch.NewFromConfig(cfg)

	if namespace != "" {
		cwNamespace = namespace
	}

	if dashboard != "" {
		cwDashboard = dashboard
	}

	log.WithFields(Fields{"region": region, "namespace": cwNamespace}).Info("initialized CloudWatch client")

	putDashboard(ctx)
}

// publishMetrics ships metric data when the client is configured, otherwise
// it is a no-op.
func publishMetrics(ctx context.Context, data []cwtypes.MetricDatum) {
	log := GetLogger().WithComponent("cloudwatch")
	if cwClient == nil {
		log.Debug("CloudWatch client not initialized; skipping metric publish")
		return
	}

	if len(data) == 0 {
		return
	}

	if _, err := cwClient.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(cwNamespace),
		MetricData: data,
	}); err != nil {
		log.WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}

	log.WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

type dashboardWidget struct {
	Type       string                 `json:"type"`
	Width      int                    `json:"width"`
	Height     int                    `json:"height"`
	Y          int                    `json:"y"`
	Properties map[string]interface{} `json:"properties"`
}

func metricsWidget(y int, title string, metrics ...string) dashboardWidget {
	rows := make([][]string, len(metrics))
	for i, m := range metrics {
		rows[i] = []string{cwNamespace, m}
	}
	return dashboardWidget{
		Type:   "metric",
		Width:  24,
		Height: 6,
		Y:      y,
		Properties: map[string]interface{}{
			"metrics": rows,
			"period":  60,
			"stat":    "Average",
			"title":   title,
		},
	}
}

// putDashboard keeps one dashboard with a pipeline row and a host row so a
// fresh deployment has something to look at without clicking through the
// metric browser.
func putDashboard(ctx context.Context) {
	if cwClient == nil {
		return
	}

	widgets := []dashboardWidget{
		metricsWidget(0, "OptionFlow Pipeline",
			"OF-PollCycles", "OF-BatchesCommitted", "OF-SinkWrites", "OF-DeadLetterBatches"),
		metricsWidget(6, "OptionFlow Errors",
			"OF-ErrorsCollector", "OF-ErrorsWriter", "OF-WarnsCollector", "OF-WarnsWriter"),
		metricsWidget(12, "OptionFlow Host",
			"OF-CPUPercent", "OF-MemoryMB", "OF-DiskMB"),
	}

	body, err := json.Marshal(map[string]interface{}{"widgets": widgets})
	if err != nil {
		return
	}

	if _, err := cwClient.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(cwDashboard),
		DashboardBody: aws.String(string(body)),
	}); err != nil {
		GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}
