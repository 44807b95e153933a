package blogapp

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLStore is the SQLite Backend. Memberships live in a single table indexed
// both by user and by post, so the "liked by me" and "who liked this" views
// never need a second write.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (or creates) the SQLite database at path, ensures the data
// directory exists, and creates the schema.
func NewSQLStore(path string) (*SQLStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, err
	}
	// Pragmas go through the DSN so every pooled connection gets them.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	s := &SQLStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func sqliteDSN(path string) string {
	return "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)"
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    email TEXT NOT NULL,
    profile_image TEXT NOT NULL DEFAULT '',
    dob TEXT NOT NULL DEFAULT '',
    gender TEXT NOT NULL DEFAULT '',
    hobbies TEXT NOT NULL DEFAULT '',
    country TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS posts (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL,
    content TEXT NOT NULL,
    images TEXT NOT NULL DEFAULT '[]',
    created_at INTEGER NOT NULL,
    user_name TEXT NOT NULL,
    profile_image TEXT NOT NULL DEFAULT '',
    like_count INTEGER NOT NULL DEFAULT 0 CHECK (like_count >= 0),
    save_count INTEGER NOT NULL DEFAULT 0 CHECK (save_count >= 0)
);
CREATE INDEX IF NOT EXISTS idx_posts_user ON posts(user_id);
CREATE TABLE IF NOT EXISTS comments (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    user_name TEXT NOT NULL,
    profile_image TEXT NOT NULL DEFAULT '',
    content TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    UNIQUE (post_id, id)
);
CREATE INDEX IF NOT EXISTS idx_comments_user ON comments(user_id);
CREATE TABLE IF NOT EXISTS memberships (
    user_id TEXT NOT NULL,
    post_id TEXT NOT NULL REFERENCES posts(id) ON DELETE CASCADE,
    kind TEXT NOT NULL CHECK (kind IN ('like', 'save')),
    created_at INTEGER NOT NULL,
    PRIMARY KEY (user_id, post_id, kind)
);
CREATE INDEX IF NOT EXISTS idx_memberships_post ON memberships(post_id, kind);
CREATE TABLE IF NOT EXISTS fanouts (
    user_id TEXT PRIMARY KEY,
    failed INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
`)
	return err
}

// storeErr maps driver errors onto the package taxonomy.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrValidation):
		return err
	case strings.Contains(err.Error(), "FOREIGN KEY constraint failed"):
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

func counterColumn(k Kind) string {
	if k == Save {
		return "save_count"
	}
	return "like_count"
}

type rowScanner interface {
	Scan(dest ...any) error
}

// PutUser inserts or replaces a user record.
func (s *SQLStore) PutUser(ctx context.Context, u User) error {
	if u.ID == "" {
		return required("id")
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO users (id, name, email, profile_image, dob, gender, hobbies, country) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Name, u.Email, u.ProfileImage, u.DOB, u.Gender, u.Hobbies, u.Country)
	return storeErr("put user", err)
}

// GetUser returns a user by id.
func (s *SQLStore) GetUser(ctx context.Context, id string) (User, error) {
	u := User{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT name, email, profile_image, dob, gender, hobbies, country FROM users WHERE id = ?`, id).
		Scan(&u.Name, &u.Email, &u.ProfileImage, &u.DOB, &u.Gender, &u.Hobbies, &u.Country)
	if err != nil {
		return User{}, storeErr("get user", err)
	}
	return u, nil
}

const postColumns = `seq, id, user_id, title, content, images, created_at, user_name, profile_image, like_count, save_count`

func scanPost(r rowScanner) (Post, error) {
	var p Post
	var images string
	if err := r.Scan(&p.Seq, &p.ID, &p.UserID, &p.Title, &p.Content, &images, &p.CreatedAt, &p.UserName, &p.ProfileImage, &p.LikeCount, &p.SaveCount); err != nil {
		return Post{}, err
	}
	if err := json.Unmarshal([]byte(images), &p.Images); err != nil {
		return Post{}, fmt.Errorf("decode images of post %s: %w", p.ID, err)
	}
	return p, nil
}

// PutPost upserts a post. Only title, content and images of an existing
// post are rewritten; its author fields belong to SetPostAuthor and its
// counters to the membership toggles.
func (s *SQLStore) PutPost(ctx context.Context, p Post) (Post, error) {
	if p.ID == "" {
		return Post{}, required("id")
	}
	images := p.Images
	if images == nil {
		images = []string{}
	}
	encoded, err := json.Marshal(images)
	if err != nil {
		return Post{}, err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO posts (id, user_id, title, content, images, created_at, user_name, profile_image, like_count, save_count)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0)
ON CONFLICT(id) DO UPDATE SET
    title = excluded.title,
    content = excluded.content,
    images = excluded.images`,
		p.ID, p.UserID, p.Title, p.Content, string(encoded), p.CreatedAt, p.UserName, p.ProfileImage)
	if err != nil {
		return Post{}, storeErr("put post", err)
	}
	return s.GetPost(ctx, p.ID)
}

// GetPost returns a single post by id.
func (s *SQLStore) GetPost(ctx context.Context, id string) (Post, error) {
	p, err := scanPost(s.db.QueryRowContext(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ?`, id))
	if err != nil {
		return Post{}, storeErr("get post", err)
	}
	return p, nil
}

// QueryPosts returns matching posts ordered by insertion, newest first.
func (s *SQLStore) QueryPosts(ctx context.Context, q PostQuery) ([]Post, error) {
	var wheres []string
	var args []any
	if q.AuthorID != "" {
		wheres = append(wheres, "user_id = ?")
		args = append(args, q.AuthorID)
	}
	if q.IDs != nil {
		if len(q.IDs) == 0 {
			return nil, nil
		}
		marks := strings.TrimSuffix(strings.Repeat("?,", len(q.IDs)), ",")
		wheres = append(wheres, "id IN ("+marks+")")
		for _, id := range q.IDs {
			args = append(args, id)
		}
	}
	query := `SELECT ` + postColumns + ` FROM posts`
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	query += " ORDER BY seq DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query posts", err)
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, storeErr("query posts", err)
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query posts", err)
	}
	return posts, nil
}

// DeletePost removes a post, its comments and its memberships in one transaction.
func (s *SQLStore) DeletePost(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("delete post", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM comments WHERE post_id = ?`,
		`DELETE FROM memberships WHERE post_id = ?`,
		`DELETE FROM posts WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return storeErr("delete post", err)
		}
	}
	return storeErr("delete post", tx.Commit())
}

// SetPostAuthor rewrites the denormalized author fields of a post. A nil
// avatar leaves the stored avatar untouched.
func (s *SQLStore) SetPostAuthor(ctx context.Context, postID, name string, avatar *string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE posts SET user_name = ?, profile_image = COALESCE(?, profile_image) WHERE id = ?`,
		name, nullable(avatar), postID)
	return affectedOne("set post author", res, err)
}

const commentColumns = `seq, post_id, id, user_id, user_name, profile_image, content, created_at`

func scanComment(r rowScanner) (Comment, error) {
	var c Comment
	err := r.Scan(&c.Seq, &c.PostID, &c.ID, &c.UserID, &c.UserName, &c.ProfileImage, &c.Content, &c.CreatedAt)
	return c, err
}

// PutComment upserts a comment under its post. Only the content of an
// existing comment is rewritten. It fails with ErrNotFound when the post does
// not exist.
func (s *SQLStore) PutComment(ctx context.Context, c Comment) (Comment, error) {
	if c.ID == "" {
		return Comment{}, required("id")
	}
	if c.PostID == "" {
		return Comment{}, required("postId")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO comments (post_id, id, user_id, user_name, profile_image, content, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(post_id, id) DO UPDATE SET
    content = excluded.content`,
		c.PostID, c.ID, c.UserID, c.UserName, c.ProfileImage, c.Content, c.CreatedAt)
	if err != nil {
		return Comment{}, storeErr("put comment", err)
	}
	return s.GetComment(ctx, c.PostID, c.ID)
}

// GetComment returns one comment of a post.
func (s *SQLStore) GetComment(ctx context.Context, postID, id string) (Comment, error) {
	c, err := scanComment(s.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE post_id = ? AND id = ?`, postID, id))
	if err != nil {
		return Comment{}, storeErr("get comment", err)
	}
	return c, nil
}

// QueryComments returns matching comments in insertion order.
func (s *SQLStore) QueryComments(ctx context.Context, q CommentQuery) ([]Comment, error) {
	var wheres []string
	var args []any
	if q.PostID != "" {
		wheres = append(wheres, "post_id = ?")
		args = append(args, q.PostID)
	}
	if q.AuthorID != "" {
		wheres = append(wheres, "user_id = ?")
		args = append(args, q.AuthorID)
	}
	query := `SELECT ` + commentColumns + ` FROM comments`
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	query += " ORDER BY seq ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("query comments", err)
	}
	defer rows.Close()

	var comments []Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, storeErr("query comments", err)
		}
		comments = append(comments, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("query comments", err)
	}
	return comments, nil
}

// SetCommentAuthor rewrites the denormalized author fields of a comment.
func (s *SQLStore) SetCommentAuthor(ctx context.Context, postID, id, name string, avatar *string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE comments SET user_name = ?, profile_image = COALESCE(?, profile_image) WHERE post_id = ? AND id = ?`,
		name, nullable(avatar), postID, id)
	return affectedOne("set comment author", res, err)
}

// ToggleMembership flips a membership and moves the post counter in the
// same transaction. The first statement is a write, so the transaction holds
// the database write lock for its whole read-modify-write.
func (s *SQLStore) ToggleMembership(ctx context.Context, userID, postID string, kind Kind) (MembershipResult, error) {
	col := counterColumn(kind)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MembershipResult{}, storeErr("toggle membership", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM memberships WHERE user_id = ? AND post_id = ? AND kind = ?`, userID, postID, string(kind))
	if err != nil {
		return MembershipResult{}, storeErr("toggle membership", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return MembershipResult{}, storeErr("toggle membership", err)
	}

	var update string
	if removed == 0 {
		if _, err := tx.ExecContext(ctx, `INSERT INTO memberships (user_id, post_id, kind, created_at) VALUES (?, ?, ?, ?)`,
			userID, postID, string(kind), time.Now().UnixMilli()); err != nil {
			return MembershipResult{}, storeErr("toggle membership", err)
		}
		update = `UPDATE posts SET ` + col + ` = ` + col + ` + 1 WHERE id = ?`
	} else {
		update = `UPDATE posts SET ` + col + ` = MAX(` + col + ` - 1, 0) WHERE id = ?`
	}
	res, err = tx.ExecContext(ctx, update, postID)
	if err := affectedOne("toggle membership", res, err); err != nil {
		return MembershipResult{}, err
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT `+col+` FROM posts WHERE id = ?`, postID).Scan(&count); err != nil {
		return MembershipResult{}, storeErr("toggle membership", err)
	}
	if err := tx.Commit(); err != nil {
		return MembershipResult{}, storeErr("toggle membership", err)
	}
	return MembershipResult{Active: removed == 0, Count: count}, nil
}

// HasMembership reports whether the user currently holds the membership.
func (s *SQLStore) HasMembership(ctx context.Context, userID, postID string, kind Kind) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memberships WHERE user_id = ? AND post_id = ? AND kind = ?`,
		userID, postID, string(kind)).Scan(&n)
	if err != nil {
		return false, storeErr("has membership", err)
	}
	return n > 0, nil
}

// MemberPosts lists the ids of posts the user liked or saved, oldest first.
func (s *SQLStore) MemberPosts(ctx context.Context, userID string, kind Kind) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT post_id FROM memberships WHERE user_id = ? AND kind = ? ORDER BY created_at, rowid`, userID, string(kind))
	if err != nil {
		return nil, storeErr("member posts", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storeErr("member posts", err)
		}
		ids = append(ids, id)
	}
	return ids, storeErr("member posts", rows.Err())
}

// CountMembers returns the size of a post's like or save set.
func (s *SQLStore) CountMembers(ctx context.Context, postID string, kind Kind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memberships WHERE post_id = ? AND kind = ?`, postID, string(kind)).Scan(&n)
	if err != nil {
		return 0, storeErr("count members", err)
	}
	return n, nil
}

// RecountMembers sets a post counter to the size of its membership set and
// returns the old and new values. The transaction opens with a write so no
// toggle from another connection can commit between the count and the set.
func (s *SQLStore) RecountMembers(ctx context.Context, postID string, kind Kind) (was, now int, err error) {
	col := counterColumn(kind)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, storeErr("recount members", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE posts SET `+col+` = `+col+` WHERE id = ?`, postID)
	if err := affectedOne("recount members", res, err); err != nil {
		return 0, 0, err
	}
	if err := tx.QueryRowContext(ctx, `SELECT `+col+` FROM posts WHERE id = ?`, postID).Scan(&was); err != nil {
		return 0, 0, storeErr("recount members", err)
	}
	err = tx.QueryRowContext(ctx, `
UPDATE posts SET `+col+` = (SELECT COUNT(*) FROM memberships WHERE post_id = ? AND kind = ?)
WHERE id = ? RETURNING `+col, postID, string(kind), postID).Scan(&now)
	if err != nil {
		return 0, 0, storeErr("recount members", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, storeErr("recount members", err)
	}
	return was, now, nil
}

// RecordFanout marks a user's propagation as pending a retry.
func (s *SQLStore) RecordFanout(ctx context.Context, rec FanoutRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO fanouts (user_id, failed, updated_at) VALUES (?, ?, ?)`,
		rec.UserID, rec.Failed, rec.UpdatedAt)
	return storeErr("record fanout", err)
}

// ClearFanout removes a pending propagation marker.
func (s *SQLStore) ClearFanout(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM fanouts WHERE user_id = ?`, userID)
	return storeErr("clear fanout", err)
}

// PendingFanouts lists users whose propagation still has failures, oldest first.
func (s *SQLStore) PendingFanouts(ctx context.Context) ([]FanoutRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, failed, updated_at FROM fanouts ORDER BY updated_at`)
	if err != nil {
		return nil, storeErr("pending fanouts", err)
	}
	defer rows.Close()

	var recs []FanoutRecord
	for rows.Next() {
		var r FanoutRecord
		if err := rows.Scan(&r.UserID, &r.Failed, &r.UpdatedAt); err != nil {
			return nil, storeErr("pending fanouts", err)
		}
		recs = append(recs, r)
	}
	return recs, storeErr("pending fanouts", rows.Err())
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func affectedOne(op string, res sql.Result, err error) error {
	if err != nil {
		return storeErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
