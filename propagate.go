package blogapp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labstack/gommon/log"
	"golang.org/x/sync/errgroup"
)

// Propagator copies a user's display name and avatar into the posts and
// comments that carry denormalized copies of them.
type Propagator struct {
	store   *Store
	workers int
	logger  *log.Logger
}

// NewPropagator returns a Propagator that rewrites at most workers records
// at a time per fan-out.
func NewPropagator(s *Store, workers int) *Propagator {
	if workers < 1 {
		workers = 1
	}
	return &Propagator{store: s, workers: workers, logger: log.New("propagate")}
}

// PropagateProfileChange rewrites the author fields of every post and
// comment by userID. A nil avatar leaves avatars as they are. The posts and
// comments fan-outs run independently; when either leaves records stale the
// combined report comes back inside a *PartialFailure and the user is queued
// for Retry. Every write is idempotent, so the whole call may be repeated.
func (p *Propagator) PropagateProfileChange(ctx context.Context, userID, name string, avatar *string) (FanoutReport, error) {
	if userID == "" {
		return FanoutReport{}, required("userId")
	}
	if strings.TrimSpace(name) == "" {
		return FanoutReport{}, required("name")
	}

	report := FanoutReport{UserID: userID}
	var mu sync.Mutex
	var g errgroup.Group
	g.Go(func() error {
		p.fanOutPosts(ctx, userID, name, avatar, &report, &mu)
		return nil
	})
	g.Go(func() error {
		p.fanOutComments(ctx, userID, name, avatar, &report, &mu)
		return nil
	})
	g.Wait()

	sort.Strings(report.FailedPosts)
	sort.Strings(report.FailedComments)

	if report.Complete() {
		if err := p.store.Backend().ClearFanout(ctx, userID); err != nil {
			p.logger.Warnf("clear pending fan-out for %s: %v", userID, err)
		}
		return report, nil
	}

	failed := len(report.FailedPosts) + len(report.FailedComments)
	if report.PostsErr != "" {
		failed++
	}
	if report.CommentsErr != "" {
		failed++
	}
	rec := FanoutRecord{UserID: userID, Failed: failed, UpdatedAt: time.Now().UnixMilli()}
	if err := p.store.Backend().RecordFanout(context.WithoutCancel(ctx), rec); err != nil {
		p.logger.Errorf("record pending fan-out for %s: %v", userID, err)
	}
	return report, &PartialFailure{Report: report}
}

func (p *Propagator) fanOutPosts(ctx context.Context, userID, name string, avatar *string, report *FanoutReport, mu *sync.Mutex) {
	posts, err := p.store.QueryPosts(ctx, PostQuery{AuthorID: userID})
	if err != nil {
		p.logger.Warnf("list posts of %s: %v", userID, err)
		mu.Lock()
		report.PostsErr = err.Error()
		mu.Unlock()
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, post := range posts {
		post := post
		g.Go(func() error {
			err := p.store.SetPostAuthor(gctx, post.ID, name, avatar)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.PostsUpdated++
			case errors.Is(err, ErrNotFound):
				// deleted since the query
			default:
				p.logger.Warnf("update author of post %s: %v", post.ID, err)
				report.FailedPosts = append(report.FailedPosts, post.ID)
			}
			return nil
		})
	}
	g.Wait()
}

func (p *Propagator) fanOutComments(ctx context.Context, userID, name string, avatar *string, report *FanoutReport, mu *sync.Mutex) {
	comments, err := p.store.QueryComments(ctx, CommentQuery{AuthorID: userID})
	if err != nil {
		p.logger.Warnf("list comments of %s: %v", userID, err)
		mu.Lock()
		report.CommentsErr = err.Error()
		mu.Unlock()
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, c := range comments {
		c := c
		g.Go(func() error {
			err := p.store.SetCommentAuthor(gctx, c.PostID, c.ID, name, avatar)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.CommentsUpdated++
			case errors.Is(err, ErrNotFound):
			default:
				p.logger.Warnf("update author of comment %s: %v", c.Key(), err)
				report.FailedComments = append(report.FailedComments, c.Key())
			}
			return nil
		})
	}
	g.Wait()
}

// Retry re-runs the fan-out for userID from the current user record.
func (p *Propagator) Retry(ctx context.Context, userID string) (FanoutReport, error) {
	u, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return FanoutReport{}, fmt.Errorf("retry fan-out for %s: %w", userID, err)
	}
	avatar := u.ProfileImage
	return p.PropagateProfileChange(ctx, u.ID, u.Name, &avatar)
}

// RetryPending retries every queued fan-out and returns how many completed.
func (p *Propagator) RetryPending(ctx context.Context) (int, error) {
	recs, err := p.store.Backend().PendingFanouts(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	done := 0
	for _, rec := range recs {
		if _, err := p.Retry(ctx, rec.UserID); err != nil {
			errs = append(errs, err)
			continue
		}
		done++
	}
	return done, errors.Join(errs...)
}

// StartRetryScheduler retries pending fan-outs every interval. Returns a stop function.
func (p *Propagator) StartRetryScheduler(interval time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ticker.C:
				n, err := p.RetryPending(context.Background())
				if err != nil {
					p.logger.Warnf("fan-out retry: %v", err)
				}
				if n > 0 {
					p.logger.Infof("fan-out retry completed %d users", n)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}
