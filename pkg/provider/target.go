package provider

import (
	"fmt"
	"strings"
)

// TargetKind is the variant tag of a parsed target id.
type TargetKind string

const (
	TargetRepo   TargetKind = "repo"
	TargetBranch TargetKind = "branch"
	TargetMerge  TargetKind = "merge"
	TargetBulk   TargetKind = "bulk"
)

// Target is a parsed target id. The grammar is
//
//	owner/repo              repository
//	owner/repo#branch       branch
//	owner/repo#src→dst      merge (ASCII "->" also accepted)
//	owner/repo@view         bulk PR view
type Target struct {
	Kind   TargetKind
	Owner  string
	Repo   string
	Branch string // branch targets
	Source string // merge targets
	Dest   string // merge targets
	View   string // bulk targets
}

// String reconstructs the canonical target id.
func (t Target) String() string {
	base := t.Owner + "/" + t.Repo
	switch t.Kind {
	case TargetBranch:
		return base + "#" + t.Branch
	case TargetMerge:
		return base + "#" + t.Source + "→" + t.Dest
	case TargetBulk:
		return base + "@" + t.View
	default:
		return base
	}
}

// ParseTarget parses a provider target id. Malformed input is a
// BadRequest-kind failure at the API boundary.
func ParseTarget(targetID string) (Target, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return Target{}, fmt.Errorf("empty target id")
	}

	rest := targetID
	var suffix, sep string
	if i := strings.IndexAny(targetID, "#@"); i >= 0 {
		rest, sep, suffix = targetID[:i], targetID[i:i+1], targetID[i+1:]
		if suffix == "" {
			return Target{}, fmt.Errorf("target %q: empty %s segment", targetID, sep)
		}
	}

	owner, repo, ok := strings.Cut(rest, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return Target{}, fmt.Errorf("target %q: want owner/repo", targetID)
	}
	t := Target{Kind: TargetRepo, Owner: owner, Repo: repo}

	switch sep {
	case "":
		return t, nil
	case "@":
		t.Kind = TargetBulk
		t.View = suffix
		return t, nil
	case "#":
		src, dst, isMerge := cutArrow(suffix)
		if isMerge {
			if src == "" || dst == "" {
				return Target{}, fmt.Errorf("target %q: merge needs source and target branches", targetID)
			}
			t.Kind = TargetMerge
			t.Source = src
			t.Dest = dst
			return t, nil
		}
		t.Kind = TargetBranch
		t.Branch = suffix
		return t, nil
	}
	return Target{}, fmt.Errorf("target %q: unrecognized form", targetID)
}

// cutArrow splits on the merge arrow, accepting both "→" and "->".
func cutArrow(s string) (string, string, bool) {
	if src, dst, ok := strings.Cut(s, "→"); ok {
		return src, dst, true
	}
	return strings.Cut(s, "->")
}
