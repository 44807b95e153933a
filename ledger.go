package blogapp

import (
	"context"
	"fmt"

	"github.com/labstack/gommon/log"
)

// Ledger owns like and save memberships and the counters cached on posts.
type Ledger struct {
	store  *Store
	logger *log.Logger
}

// NewLedger returns a Ledger over s.
func NewLedger(s *Store) *Ledger {
	return &Ledger{store: s, logger: log.New("ledger")}
}

// Toggle flips the viewer's like or save on a post and returns the new state
// with the post's updated counter. Concurrent toggles of the same membership
// are serialized, so the counter always equals the membership count.
func (l *Ledger) Toggle(ctx context.Context, userID, postID string, kind Kind) (MembershipResult, error) {
	if userID == "" {
		return MembershipResult{}, required("userId")
	}
	if postID == "" {
		return MembershipResult{}, required("postId")
	}
	if !kind.Valid() {
		return MembershipResult{}, invalid("kind", fmt.Sprintf("%q is not like or save", kind))
	}
	return l.store.ToggleMembership(ctx, userID, postID, kind)
}

// Has reports whether userID holds the membership on postID.
func (l *Ledger) Has(ctx context.Context, userID, postID string, kind Kind) (bool, error) {
	return l.store.HasMembership(ctx, userID, postID, kind)
}

// Members lists the post ids userID liked or saved, oldest first.
func (l *Ledger) Members(ctx context.Context, userID string, kind Kind) ([]string, error) {
	if userID == "" {
		return nil, required("userId")
	}
	if !kind.Valid() {
		return nil, invalid("kind", fmt.Sprintf("%q is not like or save", kind))
	}
	return l.store.MemberPosts(ctx, userID, kind)
}

// Correction is one counter rewritten by reconciliation.
type Correction struct {
	PostID string `json:"postId"`
	Kind   Kind   `json:"kind"`
	Was    int    `json:"was"`
	Now    int    `json:"now"`
}

// Reconcile recomputes both counters of a post from its membership sets and
// returns the ones that had drifted.
func (l *Ledger) Reconcile(ctx context.Context, postID string) ([]Correction, error) {
	if postID == "" {
		return nil, required("postId")
	}
	var fixed []Correction
	for _, kind := range []Kind{Like, Save} {
		was, now, err := l.store.ReconcileCounter(ctx, postID, kind)
		if err != nil {
			return fixed, fmt.Errorf("reconcile %s %s: %w", postID, kind, err)
		}
		if was != now {
			l.logger.Infof("reconciled %s count of %s: %d -> %d", kind, postID, was, now)
			fixed = append(fixed, Correction{PostID: postID, Kind: kind, Was: was, Now: now})
		}
	}
	return fixed, nil
}

// ReconcileAll runs Reconcile over every post. Posts deleted while the job
// runs are skipped.
func (l *Ledger) ReconcileAll(ctx context.Context) ([]Correction, error) {
	posts, err := l.store.QueryPosts(ctx, PostQuery{})
	if err != nil {
		return nil, err
	}
	var fixed []Correction
	for _, p := range posts {
		if err := ctx.Err(); err != nil {
			return fixed, err
		}
		c, err := l.Reconcile(ctx, p.ID)
		fixed = append(fixed, c...)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return fixed, err
		}
	}
	return fixed, nil
}
