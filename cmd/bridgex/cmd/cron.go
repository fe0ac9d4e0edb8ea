package cmd

import (
	"github.com/usfsci/bridge-x/pkg/bridgex/o11y"
	"github.com/usfsci/bridge-x/pkg/bridgex/relay"
	"go.uber.org/zap"
)

// ZapCronLogger adapts a zap.Logger to the cron.Logger interface. cron's
// chatty Info messages go to Debug.
type ZapCronLogger struct {
	logger *zap.Logger
}

func NewZapCronLogger(logger *zap.Logger) *ZapCronLogger {
	return &ZapCronLogger{logger: logger.Named("cron")}
}

func (z *ZapCronLogger) Info(msg string, keysAndValues ...interface{}) {
	z.logger.Debug(msg, kvFields(keysAndValues)...)
}

func (z *ZapCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fields := append([]zap.Field{zap.Error(err)}, kvFields(keysAndValues)...)
	z.logger.Error(msg, fields...)
}

func kvFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields = append(fields, zap.Any(key, keysAndValues[i+1]))
		}
	}
	return fields
}

// statsJob logs a summary of gateway activity each time the schedule fires.
type statsJob struct {
	logger      *zap.Logger
	connections func() int
	peers       []*relay.Peer[[]byte]
	metrics     *o11y.StandaloneMetricsProvider
}

func (j *statsJob) Run() {
	fields := []zap.Field{zap.Int("active_connections", j.connections())}
	for _, peer := range j.peers {
		fields = append(fields, zap.Int(peer.Name()+"_subscribers", peer.SubscriberCount()))
	}
	if j.metrics != nil {
		snapshot := j.metrics.Snapshot()
		fields = append(fields,
			zap.Any("counters", snapshot.Counters),
			zap.Any("gauges", snapshot.Gauges),
		)
	}
	j.logger.Info("Gateway stats", fields...)
}
