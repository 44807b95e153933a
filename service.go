package blogapp

import (
	"context"
	"strings"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/oklog/ulid/v2"
)

// Service is the application layer used by the HTTP handlers and the CLI.
// Every user action takes the caller's Session explicitly and validates its
// input before touching the store.
type Service struct {
	Store      *Store
	Ledger     *Ledger
	Propagator *Propagator
	Feed       *Feed
	Identity   Identity
	Blobs      BlobStore

	logger *log.Logger
}

// NewService wires the components into a Service.
func NewService(store *Store, identity Identity, blobs BlobStore, feedTTL time.Duration, fanoutWorkers int) *Service {
	return &Service{
		Store:      store,
		Ledger:     NewLedger(store),
		Propagator: NewPropagator(store, fanoutWorkers),
		Feed:       NewFeed(store, feedTTL),
		Identity:   identity,
		Blobs:      blobs,
		logger:     log.New("service"),
	}
}

func requireSession(sess Session) error {
	if sess.UserID == "" {
		return ErrAuth
	}
	return nil
}

func newID() string {
	return ulid.Make().String()
}

// Registration is the sign-up form.
type Registration struct {
	Name            string
	Email           string
	Password        string
	ConfirmPassword string
	Avatar          []byte
}

// Register creates the account and profile, then sends the verification
// email. The new account cannot log in until it is verified. When the
// profile cannot be saved the account is removed again, so the email stays
// free for another attempt.
func (s *Service) Register(ctx context.Context, r Registration) (User, error) {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return User{}, required("name")
	}
	if r.Password != r.ConfirmPassword {
		return User{}, invalid("confirmPassword", "does not match password")
	}
	id, err := s.Identity.SignUp(ctx, r.Email, r.Password)
	if err != nil {
		return User{}, err
	}
	u := User{ID: id, Name: name, Email: strings.ToLower(strings.TrimSpace(r.Email))}
	if len(r.Avatar) > 0 {
		url, err := s.Blobs.Upload(ctx, ProfileImagePath(id), r.Avatar)
		if err != nil {
			// The account exists; the user can set an avatar later.
			s.logger.Warnf("upload avatar for %s: %v", id, err)
		} else {
			u.ProfileImage = url
		}
	}
	if err := s.Store.PutUser(ctx, u); err != nil {
		if derr := s.Identity.DeleteAccount(context.WithoutCancel(ctx), id); derr != nil {
			s.logger.Errorf("remove account %s without profile: %v", id, derr)
		}
		return User{}, err
	}
	if err := s.Identity.SendVerificationEmail(ctx, id); err != nil {
		s.logger.Warnf("send verification to %s: %v", u.Email, err)
	}
	return u, nil
}

// Login authenticates a verified account.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	id, err := s.Identity.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: id, Email: strings.ToLower(strings.TrimSpace(email))}, nil
}

// VerifyEmail marks an account verified.
func (s *Service) VerifyEmail(ctx context.Context, token string) (string, error) {
	return s.Identity.Verify(ctx, token)
}

// SendPasswordReset emails a reset link.
func (s *Service) SendPasswordReset(ctx context.Context, email string) error {
	return s.Identity.SendPasswordReset(ctx, email)
}

// ResetPassword sets a new password from a reset token.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword, confirm string) error {
	if newPassword != confirm {
		return invalid("confirmPassword", "does not match new password")
	}
	return s.Identity.ResetPassword(ctx, token, newPassword)
}

// ChangePassword replaces the session user's password.
func (s *Service) ChangePassword(ctx context.Context, sess Session, oldPassword, newPassword, confirm string) error {
	if err := requireSession(sess); err != nil {
		return err
	}
	if newPassword != confirm {
		return invalid("confirmPassword", "does not match new password")
	}
	return s.Identity.ChangePassword(ctx, sess.UserID, oldPassword, newPassword)
}

// Profile returns a user's profile.
func (s *Service) Profile(ctx context.Context, userID string) (User, error) {
	if userID == "" {
		return User{}, required("userId")
	}
	return s.Store.GetUser(ctx, userID)
}

// ProfileUpdate is the edit-profile form. A nil Avatar keeps the current one.
type ProfileUpdate struct {
	Name    string
	DOB     string
	Gender  string
	Hobbies string
	Country string
	Avatar  []byte
}

// UpdateProfile saves the profile and propagates the name and avatar to the
// user's posts and comments. The profile is saved even when propagation is
// partial; the returned *PartialFailure says which records are still stale.
func (s *Service) UpdateProfile(ctx context.Context, sess Session, upd ProfileUpdate) (User, FanoutReport, error) {
	if err := requireSession(sess); err != nil {
		return User{}, FanoutReport{}, err
	}
	name := strings.TrimSpace(upd.Name)
	if name == "" {
		return User{}, FanoutReport{}, required("name")
	}
	u, err := s.Store.GetUser(ctx, sess.UserID)
	if err != nil {
		return User{}, FanoutReport{}, err
	}

	var avatar *string
	if len(upd.Avatar) > 0 {
		url, err := s.Blobs.Upload(ctx, ProfileImagePath(u.ID), upd.Avatar)
		if err != nil {
			return User{}, FanoutReport{}, err
		}
		avatar = &url
		u.ProfileImage = url
	}
	u.Name = name
	u.DOB = strings.TrimSpace(upd.DOB)
	u.Gender = strings.TrimSpace(upd.Gender)
	u.Hobbies = strings.TrimSpace(upd.Hobbies)
	u.Country = strings.TrimSpace(upd.Country)
	if err := s.Store.PutUser(ctx, u); err != nil {
		return User{}, FanoutReport{}, err
	}

	report, err := s.Propagator.PropagateProfileChange(ctx, u.ID, u.Name, avatar)
	return u, report, err
}

// BlogDraft is the add/edit blog form. KeepImages lists existing image URLs
// to retain on edit; Images are new uploads appended after them.
type BlogDraft struct {
	Title      string
	Content    string
	Images     [][]byte
	KeepImages []string
}

func (d BlogDraft) validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return required("title")
	}
	if strings.TrimSpace(d.Content) == "" {
		return required("content")
	}
	return nil
}

func (s *Service) uploadImages(ctx context.Context, images [][]byte) ([]string, error) {
	urls := make([]string, 0, len(images))
	for _, data := range images {
		url, err := s.Blobs.Upload(ctx, BlogImagePath(), data)
		if err != nil {
			return nil, err
		}
		urls = append(urls, url)
	}
	return urls, nil
}

// AddBlog publishes a new post by the session user.
func (s *Service) AddBlog(ctx context.Context, sess Session, d BlogDraft) (Post, error) {
	if err := requireSession(sess); err != nil {
		return Post{}, err
	}
	if err := d.validate(); err != nil {
		return Post{}, err
	}
	author, err := s.Store.GetUser(ctx, sess.UserID)
	if err != nil {
		return Post{}, err
	}
	images, err := s.uploadImages(ctx, d.Images)
	if err != nil {
		return Post{}, err
	}
	p, err := s.Store.PutPost(ctx, Post{
		ID:           newID(),
		UserID:       author.ID,
		Title:        strings.TrimSpace(d.Title),
		Content:      d.Content,
		Images:       images,
		CreatedAt:    time.Now().UnixMilli(),
		UserName:     author.Name,
		ProfileImage: author.ProfileImage,
	})
	if err != nil {
		return Post{}, err
	}
	s.refreshAuthor(ctx, author.ID, author, func(u User) error {
		avatar := u.ProfileImage
		if err := s.Store.SetPostAuthor(ctx, p.ID, u.Name, &avatar); err != nil {
			return err
		}
		p.UserName, p.ProfileImage = u.Name, u.ProfileImage
		return nil
	})
	return p, nil
}

// refreshAuthor re-reads the author after a new post or comment was written
// with the copy in was. A profile change that fanned out before the record
// existed would otherwise leave it stale; set rewrites the record, and if
// that fails the author is queued for a fan-out retry.
func (s *Service) refreshAuthor(ctx context.Context, userID string, was User, set func(User) error) {
	u, err := s.Store.GetUser(ctx, userID)
	if err != nil {
		s.logger.Warnf("re-read author %s: %v", userID, err)
		return
	}
	if u.Name == was.Name && u.ProfileImage == was.ProfileImage {
		return
	}
	if err := set(u); err != nil {
		s.logger.Warnf("refresh author %s: %v", userID, err)
		rec := FanoutRecord{UserID: userID, Failed: 1, UpdatedAt: time.Now().UnixMilli()}
		if err := s.Store.Backend().RecordFanout(context.WithoutCancel(ctx), rec); err != nil {
			s.logger.Errorf("record pending fan-out for %s: %v", userID, err)
		}
	}
}

func (s *Service) ownedPost(ctx context.Context, sess Session, postID string) (Post, error) {
	if err := requireSession(sess); err != nil {
		return Post{}, err
	}
	if postID == "" {
		return Post{}, required("postId")
	}
	p, err := s.Store.GetPost(ctx, postID)
	if err != nil {
		return Post{}, err
	}
	if p.UserID != sess.UserID {
		return Post{}, ErrForbidden
	}
	return p, nil
}

// EditBlog rewrites the title, content and images of the user's own post.
// Comments, counters, creation time and the author fields are kept.
func (s *Service) EditBlog(ctx context.Context, sess Session, postID string, d BlogDraft) (Post, error) {
	p, err := s.ownedPost(ctx, sess, postID)
	if err != nil {
		return Post{}, err
	}
	if err := d.validate(); err != nil {
		return Post{}, err
	}
	keep := make(map[string]bool, len(d.KeepImages))
	for _, url := range d.KeepImages {
		keep[url] = true
	}
	var images []string
	for _, url := range p.Images {
		if keep[url] {
			images = append(images, url)
		}
	}
	added, err := s.uploadImages(ctx, d.Images)
	if err != nil {
		return Post{}, err
	}
	p.Title = strings.TrimSpace(d.Title)
	p.Content = d.Content
	p.Images = append(images, added...)
	return s.Store.PutPost(ctx, p)
}

// DeleteBlog removes the user's own post with its comments and memberships.
func (s *Service) DeleteBlog(ctx context.Context, sess Session, postID string) error {
	if _, err := s.ownedPost(ctx, sess, postID); err != nil {
		return err
	}
	return s.Store.DeletePost(ctx, postID)
}

// PostDetail is a post with its comments as seen by one viewer.
type PostDetail struct {
	FeedItem
	Comments []Comment `json:"comments"`
}

// Post returns a post and its comments.
func (s *Service) Post(ctx context.Context, viewerID, postID string) (PostDetail, error) {
	if postID == "" {
		return PostDetail{}, required("postId")
	}
	item, err := s.Feed.Item(ctx, viewerID, postID)
	if err != nil {
		return PostDetail{}, err
	}
	comments, err := s.Comments(ctx, postID)
	if err != nil {
		return PostDetail{}, err
	}
	return PostDetail{FeedItem: item, Comments: comments}, nil
}

// AddComment appends a comment by the session user to a post.
func (s *Service) AddComment(ctx context.Context, sess Session, postID, content string) (Comment, error) {
	if err := requireSession(sess); err != nil {
		return Comment{}, err
	}
	if postID == "" {
		return Comment{}, required("postId")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return Comment{}, required("content")
	}
	if _, err := s.Store.GetPost(ctx, postID); err != nil {
		return Comment{}, err
	}
	author, err := s.Store.GetUser(ctx, sess.UserID)
	if err != nil {
		return Comment{}, err
	}
	c, err := s.Store.PutComment(ctx, Comment{
		ID:           newID(),
		PostID:       postID,
		UserID:       author.ID,
		UserName:     author.Name,
		ProfileImage: author.ProfileImage,
		Content:      content,
		CreatedAt:    time.Now().UnixMilli(),
	})
	if err != nil {
		return Comment{}, err
	}
	s.refreshAuthor(ctx, author.ID, author, func(u User) error {
		avatar := u.ProfileImage
		if err := s.Store.SetCommentAuthor(ctx, c.PostID, c.ID, u.Name, &avatar); err != nil {
			return err
		}
		c.UserName, c.ProfileImage = u.Name, u.ProfileImage
		return nil
	})
	return c, nil
}

// Comments lists a post's comments in the order they were written.
func (s *Service) Comments(ctx context.Context, postID string) ([]Comment, error) {
	comments, err := s.Store.QueryComments(ctx, CommentQuery{PostID: postID})
	if err != nil {
		return nil, err
	}
	if comments == nil {
		comments = []Comment{}
	}
	return comments, nil
}

// ToggleLike flips the session user's like on a post.
func (s *Service) ToggleLike(ctx context.Context, sess Session, postID string) (MembershipResult, error) {
	if err := requireSession(sess); err != nil {
		return MembershipResult{}, err
	}
	return s.Ledger.Toggle(ctx, sess.UserID, postID, Like)
}

// ToggleSave flips the session user's save on a post.
func (s *Service) ToggleSave(ctx context.Context, sess Session, postID string) (MembershipResult, error) {
	if err := requireSession(sess); err != nil {
		return MembershipResult{}, err
	}
	return s.Ledger.Toggle(ctx, sess.UserID, postID, Save)
}
