package container

import "strings"

// Prefixes for container names, one per operation kind.
const (
	PrefixInference = "infer"
	PrefixUpscale   = "upscale"
	PrefixEnhance   = "enhance"
	PrefixBatch     = "batch"
)

const maxIDLen = 8

var kindPrefix = map[string]string{
	"inference": PrefixInference,
	"upscale":   PrefixUpscale,
	"enhance":   PrefixEnhance,
	"batch":     PrefixBatch,
}

// AllPrefixes returns every managed container prefix. Kill and discovery
// operations scope themselves to these so foreign containers on the host are
// never touched.
func AllPrefixes() []string {
	return []string{PrefixInference, PrefixUpscale, PrefixEnhance, PrefixBatch}
}

// ContainerName derives the deterministic container name for a job. The
// "run_" prefix on job ids is dropped and the remainder capped at eight
// characters, so the same job always maps to the same name.
func ContainerName(kind, jobID string) string {
	prefix, ok := kindPrefix[kind]
	if !ok {
		prefix = kind
	}
	id := strings.TrimPrefix(jobID, "run_")
	if len(id) > maxIDLen {
		id = id[:maxIDLen]
	}
	return prefix + "_" + id
}
