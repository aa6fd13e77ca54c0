package notifier

import (
	"context"
	"log"
	"os"

	"review-radar/internal/orchestrator"
)

// LogNotifier 仅打印紧急点评，适合开发阶段使用。
type LogNotifier struct {
	logger *log.Logger
}

// NewLogNotifier 创建日志通知器，未提供 logger 时默认输出到标准输出。
func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.New(os.Stdout, "[notify] ", log.LstdFlags)
	}
	return &LogNotifier{logger: logger}
}

// Notify 逐条打印达到默认紧急度阈值的点评。
func (n LogNotifier) Notify(ctx context.Context, reviews []orchestrator.AnalyzedReview) error {
	for _, r := range reviews {
		if r.Metadata.UrgencyScore < defaultMinUrgency {
			continue
		}
		n.logger.Printf("urgent review: tenant=%s platform=%s urgency=%d author=%s",
			r.Review.TenantID, r.Review.Platform, r.Metadata.UrgencyScore, r.Review.AuthorName)
	}
	return nil
}
