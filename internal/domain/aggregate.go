package domain

import (
	"fmt"
	"strings"
)

// SourceKind labels where an aggregated tool came from.
type SourceKind string

const (
	SourceLocal    SourceKind = "local"
	SourceUpstream SourceKind = "upstream"
)

// Source identifies an aggregation input.
type Source struct {
	Kind     SourceKind
	ServerID string
}

func LocalSource() Source {
	return Source{Kind: SourceLocal}
}

func UpstreamSource(serverID string) Source {
	return Source{Kind: SourceUpstream, ServerID: serverID}
}

func (s Source) String() string {
	if s.Kind == SourceUpstream {
		return fmt.Sprintf("upstream:%s", s.ServerID)
	}
	return string(SourceLocal)
}

// AggregatedEntry is a tool after conflict resolution.
type AggregatedEntry struct {
	ResolvedName     string
	Tool             Tool
	Source           Source
	ConflictResolved bool
	OriginalName     string
}

// ConflictStrategy decides how tools sharing a name are merged.
type ConflictStrategy string

const (
	ConflictLocalFirst  ConflictStrategy = "local_first"
	ConflictRemoteFirst ConflictStrategy = "remote_first"
	ConflictFirstFound  ConflictStrategy = "first_found"
	ConflictReject      ConflictStrategy = "reject"
	ConflictPrefix      ConflictStrategy = "prefix"
)

// ParseConflictStrategy accepts snake_case and PascalCase spellings.
func ParseConflictStrategy(value string) (ConflictStrategy, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(value), "_", "")) {
	case "", "localfirst":
		return ConflictLocalFirst, nil
	case "remotefirst", "proxyfirst":
		return ConflictRemoteFirst, nil
	case "firstfound":
		return ConflictFirstFound, nil
	case "reject":
		return ConflictReject, nil
	case "prefix":
		return ConflictPrefix, nil
	default:
		return "", fmt.Errorf("unknown conflict strategy %q", value)
	}
}
