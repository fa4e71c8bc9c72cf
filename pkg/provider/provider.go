// Package provider defines the capability contract a remote system must
// satisfy: metadata reads, mutators that return revert handles, and typed
// upstream errors. GitHub is the first implementation.
package provider

import (
	"context"
	"time"
)

// Metadata is the normalized view of a target used by risk scoring.
type Metadata struct {
	Title           string
	Object          string // "repository" | "branch" | "merge" | "force_push" | "bulk_pr"
	IsDefault       bool   // branch targets: the default branch
	IsTargetDefault bool   // merge targets: merging into the default branch
	LastEdit        time.Time
	LinkedCount     int // open PRs / linked items
	BlocksCount     int
	Extra           map[string]any
}

// ForcePushResult carries the SHAs needed to offer a revert.
type ForcePushResult struct {
	PreviousSHA string
	NewSHA      string
}

// MergeResult is the merge commit handle; in-band irreversible.
type MergeResult struct {
	MergeSHA string
}

// Provider is the uniform adapter surface. Implementations are stateless
// beyond credentials; one instance per provider is adequate. Mutators are
// never retried transparently.
type Provider interface {
	Name() string

	GetMetadata(ctx context.Context, target Target, credential string) (*Metadata, error)

	// Reversible mutators. Each returns the handle sufficient to revert.
	Archive(ctx context.Context, target Target, credential string) error
	Unarchive(ctx context.Context, target Target, credential string) error
	DeleteBranch(ctx context.Context, target Target, credential string) (sha string, err error)
	RestoreBranch(ctx context.Context, target Target, credential, sha string) error
	BulkClosePRs(ctx context.Context, target Target, credential string) ([]int, error)
	BulkReopenPRs(ctx context.Context, target Target, credential string, prs []int) error
	ForcePush(ctx context.Context, target Target, credential, newSHA string) (*ForcePushResult, error)

	// Merge is irreversible in-band; revert is expressed as a counter-commit.
	Merge(ctx context.Context, target Target, credential string) (*MergeResult, error)
	CounterCommit(ctx context.Context, target Target, credential, mergeSHA string) (string, error)

	// DeleteRepository is irreversible.
	DeleteRepository(ctx context.Context, target Target, credential string) error

	// BranchHeadFromEvents resolves a deleted branch's last SHA via the
	// provider's event feed, the final fallback of the revert resolver.
	BranchHeadFromEvents(ctx context.Context, target Target, credential string) (string, error)
}

// Registry resolves providers by name.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Get returns the provider or nil when unknown.
func (r *Registry) Get(name string) Provider {
	return r.providers[name]
}
