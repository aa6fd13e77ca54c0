package batch

import (
	"fmt"

	"review-radar/internal/model"
)

// DefaultMaxBatchSize 为外部服务单作业可承载的标识上限默认值。
const DefaultMaxBatchSize = 25

// JobSpec 描述一次待派发作业：同一租户/平台下的一组业务标识。
// 多个标识合并进单一作业以摊薄外部服务的单次开销。
type JobSpec struct {
	TenantID    string
	Platform    model.Platform
	Kind        model.JobKind
	Identifiers []string
}

// Build 将待同步标识切分为尽量少的 JobSpec。
// 去重并保持输入顺序；超出 maxSize 时拆分为多个规格，
// 由调用方按序逐个派发以维持单活跃作业约束。
func Build(tenantID string, platform model.Platform, kind model.JobKind, identifiers []string, maxSize int) ([]JobSpec, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxBatchSize
	}

	seen := make(map[string]struct{}, len(identifiers))
	clean := make([]string, 0, len(identifiers))
	for _, id := range identifiers {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		clean = append(clean, id)
	}
	if len(clean) == 0 {
		return nil, fmt.Errorf("no identifiers to batch for tenant %s platform %s", tenantID, platform)
	}

	specs := make([]JobSpec, 0, (len(clean)+maxSize-1)/maxSize)
	for start := 0; start < len(clean); start += maxSize {
		end := start + maxSize
		if end > len(clean) {
			end = len(clean)
		}
		specs = append(specs, JobSpec{
			TenantID:    tenantID,
			Platform:    platform,
			Kind:        kind,
			Identifiers: clean[start:end],
		})
	}
	return specs, nil
}
