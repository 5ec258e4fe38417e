package scheduler

import (
	"github.com/nestwatch/nestwatch/pkg/antifraud"
	"github.com/nestwatch/nestwatch/pkg/types"
)

// CacheKey returns the canonical fingerprint of a probe: two services
// with equal cache keys are interchangeable for deduplication. The key
// is the canonical JSON of the target, type, and the wire-relevant
// parts of the probe config (method, headers, ports).
func CacheKey(svc *types.Service) string {
	fields := map[string]interface{}{
		"target": svc.Target,
		"type":   string(svc.Type),
	}
	for k, v := range svc.Config.Fingerprint() {
		fields[k] = v
	}
	b, err := antifraud.CanonicalJSON(fields)
	if err != nil {
		// Marshal of plain maps cannot fail; fall back to target alone
		return svc.Target
	}
	return string(b)
}
