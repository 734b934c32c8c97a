package reporter

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/rsk-read-cache/pkg/utils"
)

// LogReporter writes reports to the application log.
type LogReporter struct {
	logger *logrus.Entry
}

// NewLogReporter creates a reporter backed by the global logger.
func NewLogReporter() *LogReporter {
	return &LogReporter{logger: utils.ComponentLogger("reporter")}
}

// Report logs the report at error level.
func (l *LogReporter) Report(_ context.Context, report *Report) error {
	l.logger.WithFields(logrus.Fields{
		"report_id": report.ID,
		"kind":      report.Kind,
		"reference": report.Reference,
		"address":   report.Address,
		"method":    report.Method,
		"param_key": report.ParamKey,
		"block":     report.Block,
		"code":      report.Code,
	}).Error(report.Message)
	return nil
}
