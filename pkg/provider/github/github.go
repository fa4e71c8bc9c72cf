// Package github implements the provider adapter against the GitHub REST
// API. The adapter is stateless: every call builds a client from the
// caller's credential with a bounded timeout.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gh "github.com/google/go-github/v69/github"

	"github.com/saferun-dev/saferun/pkg/provider"
)

// Adapter talks to the GitHub REST API.
type Adapter struct {
	timeout time.Duration
	baseURL string // test override
}

// Option configures the adapter.
type Option func(*Adapter)

// WithTimeout bounds every upstream call. Default 15s.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// WithBaseURL points the adapter at a test server.
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a GitHub adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{timeout: 15 * time.Second}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string { return "github" }

func (a *Adapter) client(credential string) *gh.Client {
	httpClient := &http.Client{Timeout: a.timeout}
	c := gh.NewClient(httpClient)
	if a.baseURL != "" {
		c, _ = c.WithEnterpriseURLs(a.baseURL, a.baseURL)
	}
	if credential != "" {
		c = c.WithAuthToken(credential)
	}
	return c
}

// GetMetadata populates the fields risk scoring reads. Branch targets also
// learn whether they are the default branch; merge targets whether the
// destination is.
func (a *Adapter) GetMetadata(ctx context.Context, target provider.Target, credential string) (*provider.Metadata, error) {
	client := a.client(credential)

	repo, _, err := client.Repositories.Get(ctx, target.Owner, target.Repo)
	if err != nil {
		return nil, mapError(err, "get repository")
	}

	meta := &provider.Metadata{
		Title:       target.Owner + "/" + target.Repo,
		Object:      "repository",
		LastEdit:    repo.GetPushedAt().Time,
		LinkedCount: repo.GetOpenIssuesCount(),
		Extra: map[string]any{
			"default_branch": repo.GetDefaultBranch(),
			"private":        repo.GetPrivate(),
			"archived":       repo.GetArchived(),
		},
	}

	switch target.Kind {
	case provider.TargetBranch:
		meta.Object = "branch"
		meta.Title = target.String()
		meta.IsDefault = target.Branch == repo.GetDefaultBranch()
		branch, _, err := client.Repositories.GetBranch(ctx, target.Owner, target.Repo, target.Branch, 0)
		if err != nil {
			return nil, mapError(err, "get branch")
		}
		if c := branch.GetCommit().GetCommit(); c != nil {
			meta.LastEdit = c.GetCommitter().GetDate().Time
		}
		meta.Extra["head_sha"] = branch.GetCommit().GetSHA()
	case provider.TargetMerge:
		meta.Object = "merge"
		meta.Title = target.String()
		meta.IsTargetDefault = target.Dest == repo.GetDefaultBranch()
	case provider.TargetBulk:
		meta.Object = "bulk_pr"
		meta.Title = target.String()
		prs, _, err := client.PullRequests.List(ctx, target.Owner, target.Repo, &gh.PullRequestListOptions{
			State:       "open",
			ListOptions: gh.ListOptions{PerPage: 100},
		})
		if err != nil {
			return nil, mapError(err, "list pull requests")
		}
		meta.LinkedCount = len(prs)
	}
	return meta, nil
}

func (a *Adapter) Archive(ctx context.Context, target provider.Target, credential string) error {
	_, _, err := a.client(credential).Repositories.Edit(ctx, target.Owner, target.Repo,
		&gh.Repository{Archived: gh.Ptr(true)})
	return mapError(err, "archive repository")
}

func (a *Adapter) Unarchive(ctx context.Context, target provider.Target, credential string) error {
	_, _, err := a.client(credential).Repositories.Edit(ctx, target.Owner, target.Repo,
		&gh.Repository{Archived: gh.Ptr(false)})
	return mapError(err, "unarchive repository")
}

// DeleteBranch captures the head SHA before deleting the ref; the SHA is
// the revert handle.
func (a *Adapter) DeleteBranch(ctx context.Context, target provider.Target, credential string) (string, error) {
	client := a.client(credential)
	ref, _, err := client.Git.GetRef(ctx, target.Owner, target.Repo, "heads/"+target.Branch)
	if err != nil {
		return "", mapError(err, "get branch ref")
	}
	sha := ref.GetObject().GetSHA()
	if _, err := client.Git.DeleteRef(ctx, target.Owner, target.Repo, "heads/"+target.Branch); err != nil {
		return "", mapError(err, "delete branch")
	}
	return sha, nil
}

func (a *Adapter) RestoreBranch(ctx context.Context, target provider.Target, credential, sha string) error {
	_, _, err := a.client(credential).Git.CreateRef(ctx, target.Owner, target.Repo, &gh.Reference{
		Ref:    gh.Ptr("refs/heads/" + target.Branch),
		Object: &gh.GitObject{SHA: gh.Ptr(sha)},
	})
	return mapError(err, "restore branch")
}

// BulkClosePRs closes every open PR in the view and returns their numbers
// as the revert handle.
func (a *Adapter) BulkClosePRs(ctx context.Context, target provider.Target, credential string) ([]int, error) {
	client := a.client(credential)
	opts := &gh.PullRequestListOptions{State: "open", ListOptions: gh.ListOptions{PerPage: 100}}
	if target.View != "" && target.View != "all" {
		opts.Base = target.View
	}
	var closed []int
	for {
		prs, resp, err := client.PullRequests.List(ctx, target.Owner, target.Repo, opts)
		if err != nil {
			return closed, mapError(err, "list pull requests")
		}
		for _, pr := range prs {
			num := pr.GetNumber()
			if _, _, err := client.PullRequests.Edit(ctx, target.Owner, target.Repo, num,
				&gh.PullRequest{State: gh.Ptr("closed")}); err != nil {
				return closed, mapError(err, fmt.Sprintf("close pull request #%d", num))
			}
			closed = append(closed, num)
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return closed, nil
}

func (a *Adapter) BulkReopenPRs(ctx context.Context, target provider.Target, credential string, prs []int) error {
	client := a.client(credential)
	for _, num := range prs {
		if _, _, err := client.PullRequests.Edit(ctx, target.Owner, target.Repo, num,
			&gh.PullRequest{State: gh.Ptr("open")}); err != nil {
			return mapError(err, fmt.Sprintf("reopen pull request #%d", num))
		}
	}
	return nil
}

// ForcePush moves the ref to newSHA with force, capturing the previous head
// first. Revert is only possible when that capture succeeded.
func (a *Adapter) ForcePush(ctx context.Context, target provider.Target, credential, newSHA string) (*provider.ForcePushResult, error) {
	client := a.client(credential)
	ref, _, err := client.Git.GetRef(ctx, target.Owner, target.Repo, "heads/"+target.Branch)
	if err != nil {
		return nil, mapError(err, "get branch ref")
	}
	previous := ref.GetObject().GetSHA()

	_, _, err = client.Git.UpdateRef(ctx, target.Owner, target.Repo, &gh.Reference{
		Ref:    gh.Ptr("refs/heads/" + target.Branch),
		Object: &gh.GitObject{SHA: gh.Ptr(newSHA)},
	}, true)
	if err != nil {
		return nil, mapError(err, "force push")
	}
	return &provider.ForcePushResult{PreviousSHA: previous, NewSHA: newSHA}, nil
}

func (a *Adapter) Merge(ctx context.Context, target provider.Target, credential string) (*provider.MergeResult, error) {
	commit, _, err := a.client(credential).Repositories.Merge(ctx, target.Owner, target.Repo,
		&gh.RepositoryMergeRequest{
			Base:          gh.Ptr(target.Dest),
			Head:          gh.Ptr(target.Source),
			CommitMessage: gh.Ptr(fmt.Sprintf("Merge %s into %s", target.Source, target.Dest)),
		})
	if err != nil {
		return nil, mapError(err, "merge")
	}
	return &provider.MergeResult{MergeSHA: commit.GetSHA()}, nil
}

// CounterCommit reverts a merge by committing the first parent's tree on
// top of the merge commit. Git history keeps the merge; the content is
// rolled back.
func (a *Adapter) CounterCommit(ctx context.Context, target provider.Target, credential, mergeSHA string) (string, error) {
	client := a.client(credential)

	mergeCommit, _, err := client.Git.GetCommit(ctx, target.Owner, target.Repo, mergeSHA)
	if err != nil {
		return "", mapError(err, "get merge commit")
	}
	if len(mergeCommit.Parents) == 0 {
		return "", provider.NewError(provider.ErrConflict, "merge commit has no parent to revert to", nil)
	}
	parent, _, err := client.Git.GetCommit(ctx, target.Owner, target.Repo, mergeCommit.Parents[0].GetSHA())
	if err != nil {
		return "", mapError(err, "get parent commit")
	}

	revert, _, err := client.Git.CreateCommit(ctx, target.Owner, target.Repo, &gh.Commit{
		Message: gh.Ptr(fmt.Sprintf("Revert merge %.12s", mergeSHA)),
		Tree:    parent.GetTree(),
		Parents: []*gh.Commit{{SHA: gh.Ptr(mergeSHA)}},
	}, nil)
	if err != nil {
		return "", mapError(err, "create revert commit")
	}

	_, _, err = client.Git.UpdateRef(ctx, target.Owner, target.Repo, &gh.Reference{
		Ref:    gh.Ptr("refs/heads/" + target.Dest),
		Object: &gh.GitObject{SHA: revert.SHA},
	}, false)
	if err != nil {
		return "", mapError(err, "advance branch to revert commit")
	}
	return revert.GetSHA(), nil
}

func (a *Adapter) DeleteRepository(ctx context.Context, target provider.Target, credential string) error {
	_, err := a.client(credential).Repositories.Delete(ctx, target.Owner, target.Repo)
	return mapError(err, "delete repository")
}

// BranchHeadFromEvents walks the repository event feed for the most recent
// push to the branch. Final fallback when neither the stored SHA nor the
// webhook payload is available.
func (a *Adapter) BranchHeadFromEvents(ctx context.Context, target provider.Target, credential string) (string, error) {
	client := a.client(credential)
	events, _, err := client.Activity.ListRepositoryEvents(ctx, target.Owner, target.Repo,
		&gh.ListOptions{PerPage: 100})
	if err != nil {
		return "", mapError(err, "list repository events")
	}
	want := "refs/heads/" + target.Branch
	for _, ev := range events {
		if ev.GetType() != "PushEvent" {
			continue
		}
		payload, err := ev.ParsePayload()
		if err != nil {
			continue
		}
		push, ok := payload.(*gh.PushEvent)
		if !ok || push.GetRef() != want {
			continue
		}
		if sha := push.GetHead(); sha != "" {
			return sha, nil
		}
	}
	return "", provider.NewError(provider.ErrNotFound, "no push event found for branch", nil)
}

// mapError converts go-github failures into typed provider errors.
func mapError(err error, op string) error {
	if err == nil {
		return nil
	}
	var rateErr *gh.RateLimitError
	if errors.As(err, &rateErr) {
		return provider.RateLimitError(rateErr.Rate.Reset.Time, err)
	}
	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		resetAt := time.Now()
		if abuseErr.RetryAfter != nil {
			resetAt = resetAt.Add(*abuseErr.RetryAfter)
		}
		return provider.RateLimitError(resetAt, err)
	}
	var respErr *gh.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		switch respErr.Response.StatusCode {
		case http.StatusUnauthorized:
			return provider.NewError(provider.ErrUnauthorized, op+": bad credentials", err)
		case http.StatusForbidden:
			return provider.NewError(provider.ErrForbidden, op+": forbidden", err)
		case http.StatusNotFound:
			return provider.NewError(provider.ErrNotFound, op+": not found", err)
		case http.StatusConflict, http.StatusUnprocessableEntity:
			return provider.NewError(provider.ErrConflict, op+": conflict", err)
		default:
			if respErr.Response.StatusCode >= 500 {
				return provider.NewError(provider.ErrTransient, op+": upstream error", err)
			}
		}
	}
	return provider.NewError(provider.ErrOther, op+" failed", err)
}
