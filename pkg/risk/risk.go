// Package risk scores proposed operations. Scoring is a pure function of
// the operation and its metadata: contributions are additive, reasons keep
// rule order, and the engine never clamps — normalization happens at the
// transport boundary.
package risk

import (
	"strings"
	"time"
)

// Input is the normalized operation context handed to the scorer.
type Input struct {
	Provider        string
	Operation       string // delete_repo, delete_branch, force_push, merge, …
	Title           string
	Object          string // repository | branch | merge | force_push | bulk_pr
	IsDefault       bool
	IsTargetDefault bool
	LastEdit        time.Time
	LinkedCount     int
	BlocksCount     int
	Metadata        map[string]any
}

// Operation names recognized by the GitHub rule set.
const (
	OpDeleteRepo             = "delete_repo"
	OpDeleteBranch           = "delete_branch"
	OpForcePush              = "force_push"
	OpMerge                  = "merge"
	OpArchiveRepo            = "archive_repo"
	OpUnarchiveRepo          = "unarchive_repo"
	OpBulkClosePRs           = "bulk_close_prs"
	OpRepoTransfer           = "repo_transfer"
	OpSecretCreate           = "secret_create"
	OpSecretUpdate           = "secret_update"
	OpSecretDelete           = "secret_delete"
	OpWorkflowUpdate         = "workflow_update"
	OpBranchProtectionWeaken = "branch_protection_weaken"
	OpBranchProtectionDelete = "branch_protection_delete"
	OpVisibilityPublic       = "visibility_public"
)

// titleKeywords bump the score for production-smelling names.
var titleKeywords = []string{"prod", "infra", "deploy"}

// criticalSecretNames mark secrets whose loss or leak is worse than average.
var criticalSecretNames = []string{"prod", "aws", "deploy", "token", "key", "secret", "password"}

// shellExecPatterns in a workflow body indicate arbitrary code execution.
var shellExecPatterns = []string{"curl ", "wget ", "bash -c", "sh -c", "eval ", "| sh", "| bash"}

// Score computes the raw additive risk score and its ordered reasons.
func Score(in Input, now time.Time) (float64, []string) {
	var (
		score   float64
		reasons []string
	)
	add := func(delta float64, reason string) {
		score += delta
		reasons = append(reasons, reason)
	}

	switch in.Operation {
	case OpDeleteRepo:
		add(8.0, "github_irreversible_repo_deletion")
	case OpForcePush:
		add(7.0, "github_force_push_danger")
	case OpMerge:
		if in.IsTargetDefault {
			add(5.0, "github_merge_to_main")
		} else {
			add(2.0, "github_merge_operation")
		}
	case OpDeleteBranch:
		if in.IsDefault {
			add(6.0, "github_default_branch_deletion")
		} else {
			add(4.0, "github_branch_deletion")
		}
	case OpRepoTransfer:
		add(10.0, "github_repo_transfer_irreversible")
	case OpSecretCreate:
		add(secretScore(in, 9.5, 0.5), "github_secret_creation")
	case OpSecretUpdate:
		add(secretScore(in, 9.5, 0.5), "github_secret_update")
	case OpSecretDelete:
		add(secretScore(in, 9.0, 1.0), "github_secret_deletion")
	case OpWorkflowUpdate:
		delta := 9.0
		if body, ok := in.Metadata["workflow_content"].(string); ok && containsShellExec(body) {
			delta += 1.0
		}
		add(delta, "github_workflow_code_execution")
	case OpBranchProtectionWeaken:
		delta := 8.5
		if in.IsDefault {
			delta += 1.5
		}
		add(delta, "github_branch_protection_weakened")
	case OpBranchProtectionDelete:
		delta := 9.0
		if in.IsDefault {
			delta += 1.0
		}
		add(delta, "github_branch_protection_deleted")
	case OpVisibilityPublic:
		add(10.0, "github_making_repo_public_permanent")
	}

	if hasKeyword(in.Title, titleKeywords) {
		add(0.30, "github_name_keywords")
	}
	if !in.LastEdit.IsZero() && now.Sub(in.LastEdit) < 24*time.Hour {
		add(0.20, "github_recent_commit")
	}

	return score, reasons
}

// Normalize converts a raw score to the stored [0,1] scale. UI surfaces
// the stored value times ten.
func Normalize(raw float64) float64 {
	n := raw / 10.0
	if n > 1.0 {
		return 1.0
	}
	return n
}

// Irreversible reports whether an operation has no in-band revert path.
func Irreversible(operation string) bool {
	switch operation {
	case OpDeleteRepo, OpRepoTransfer, OpMerge, OpVisibilityPublic:
		return true
	}
	return false
}

func secretScore(in Input, base, criticalBonus float64) float64 {
	if name, ok := in.Metadata["secret_name"].(string); ok {
		lower := strings.ToLower(name)
		for _, critical := range criticalSecretNames {
			if strings.Contains(lower, critical) {
				return base + criticalBonus
			}
		}
	}
	return base
}

func hasKeyword(title string, keywords []string) bool {
	lower := strings.ToLower(title)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func containsShellExec(body string) bool {
	lower := strings.ToLower(body)
	for _, p := range shellExecPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
