package reconciler

import (
	"strings"

	"musicgen-controlplane/pkg/provider"
	"musicgen-controlplane/services/generation"
)

// FailedCode is the provider's numeric status for a failed task.
const FailedCode = 3

// rawStatuses covers codes that carry no failure signal. A reported
// "complete" (0) without a real duration is not trusted and stays processing.
var rawStatuses = map[int]generation.Status{
	0: generation.StatusProcessing,
	1: generation.StatusPending,
	2: generation.StatusProcessing,
}

// MapStatus resolves the provider's numeric encoding, in precedence order:
// an explicit failure signal, then a real duration, then the raw code.
// Unknown codes never map to a terminal status.
func MapStatus(rawStatus int, durationMs int64, failCode, failReason string) generation.Status {
	if strings.TrimSpace(failCode) != "" || strings.TrimSpace(failReason) != "" || rawStatus == FailedCode {
		return generation.StatusFailed
	}
	if durationMs > 0 {
		return generation.StatusCompleted
	}
	if s, ok := rawStatuses[rawStatus]; ok {
		return s
	}
	return generation.StatusProcessing
}

// MapLegacyStatus resolves the string encoding used by older endpoints.
func MapLegacyStatus(state string) generation.Status {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "pending", "queued", "waiting":
		return generation.StatusPending
	case "processing", "running", "generating":
		return generation.StatusProcessing
	case "completed", "success", "done":
		return generation.StatusCompleted
	case "failed", "error", "cancelled":
		return generation.StatusFailed
	default:
		return generation.StatusPending
	}
}

// Mapper turns one provider payload into a canonical status.
type Mapper func(provider.TaskStatus) generation.Status

func MapPayload(p provider.TaskStatus) generation.Status {
	return MapStatus(p.Status, p.DurationMs, p.FailCode, p.FailReason)
}

func MapLegacyPayload(p provider.TaskStatus) generation.Status {
	return MapLegacyStatus(p.State)
}

// MapperFor picks the mapper for the configured status encoding.
func MapperFor(encoding string) Mapper {
	if strings.EqualFold(encoding, "legacy") {
		return MapLegacyPayload
	}
	return MapPayload
}
