// Package mongostore is a MongoDB implementation of blogapp.Backend.
//
// Every entity is one document keyed by its store key: posts by id and
// comments by "postID/commentID". A post document carries its like and save
// sets next to their counters, so a toggle is a single-document
// compare-and-swap. Insertion order comes from per-collection sequences in
// the counters collection.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	blogapp "github.com/Haryuya11/BlogApp"
)

// Store implements blogapp.Backend on a MongoDB database.
type Store struct {
	client *mongo.Client

	users    *mongo.Collection
	posts    *mongo.Collection
	comments *mongo.Collection
	counters *mongo.Collection
	fanouts  *mongo.Collection
}

var _ blogapp.Backend = (*Store)(nil)

// Open connects to uri, checks the primary is reachable and ensures the
// indexes of database dbName.
func Open(ctx context.Context, uri, dbName string) (*Store, error) {
	opts := options.Client().
		ApplyURI(uri).
		SetServerAPIOptions(options.ServerAPI(options.ServerAPIVersion1))

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(dbName)
	s := &Store{
		client:   client,
		users:    db.Collection("users"),
		posts:    db.Collection("posts"),
		comments: db.Collection("comments"),
		counters: db.Collection("counters"),
		fanouts:  db.Collection("fanouts"),
	}
	if err := s.EnsureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// EnsureIndexes creates the secondary indexes queries rely on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.posts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "seq", Value: -1}}, Options: options.Index().SetName("seq")},
		{Keys: bson.D{{Key: "userId", Value: 1}, {Key: "seq", Value: -1}}, Options: options.Index().SetName("userId_seq")},
		{Keys: bson.D{{Key: "likes.userId", Value: 1}}, Options: options.Index().SetName("likes_userId")},
		{Keys: bson.D{{Key: "saves.userId", Value: 1}}, Options: options.Index().SetName("saves_userId")},
	})
	if err != nil {
		return fmt.Errorf("ensure post indexes: %w", err)
	}
	_, err = s.comments.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "postId", Value: 1}, {Key: "seq", Value: 1}}, Options: options.Index().SetName("postId_seq")},
		{Keys: bson.D{{Key: "userId", Value: 1}}, Options: options.Index().SetName("userId")},
	})
	if err != nil {
		return fmt.Errorf("ensure comment indexes: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%s: %w", op, blogapp.ErrNotFound)
	default:
		return fmt.Errorf("%s: %w: %w", op, blogapp.ErrStorageUnavailable, err)
	}
}

func notFound(op string) error {
	return fmt.Errorf("%s: %w", op, blogapp.ErrNotFound)
}

func required(field string) error {
	return &blogapp.ValidationError{Field: field, Reason: "is required"}
}

func counterField(k blogapp.Kind) string {
	if k == blogapp.Save {
		return "saveCount"
	}
	return "likeCount"
}

// setField names the post array holding the kind's members.
func setField(k blogapp.Kind) string {
	if k == blogapp.Save {
		return "saves"
	}
	return "likes"
}

// withoutSets keeps the membership arrays out of post reads.
var withoutSets = bson.M{"likes": 0, "saves": 0}

// nextSeq allocates the next insertion sequence number for name.
func (s *Store) nextSeq(ctx context.Context, name string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	err := s.counters.FindOneAndUpdate(ctx, bson.M{"_id": name}, bson.M{"$inc": bson.M{"seq": 1}}, opts).Decode(&doc)
	if err != nil {
		return 0, storeErr("next seq", err)
	}
	return doc.Seq, nil
}

func (s *Store) exists(ctx context.Context, coll *mongo.Collection, id string) (bool, error) {
	n, err := coll.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	return n > 0, err
}

type userDoc struct {
	ID           string `bson:"_id"`
	Name         string `bson:"name"`
	Email        string `bson:"email"`
	ProfileImage string `bson:"profileImage"`
	DOB          string `bson:"dob"`
	Gender       string `bson:"gender"`
	Hobbies      string `bson:"hobbies"`
	Country      string `bson:"country"`
}

// PutUser replaces the user document.
func (s *Store) PutUser(ctx context.Context, u blogapp.User) error {
	if u.ID == "" {
		return required("id")
	}
	_, err := s.users.ReplaceOne(ctx, bson.M{"_id": u.ID}, userDoc(u), options.Replace().SetUpsert(true))
	return storeErr("put user", err)
}

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (blogapp.User, error) {
	var doc userDoc
	if err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return blogapp.User{}, storeErr("get user", err)
	}
	return blogapp.User(doc), nil
}

type postDoc struct {
	ID           string   `bson:"_id"`
	Seq          int64    `bson:"seq"`
	UserID       string   `bson:"userId"`
	Title        string   `bson:"title"`
	Content      string   `bson:"content"`
	Images       []string `bson:"images"`
	CreatedAt    int64    `bson:"createdAt"`
	UserName     string   `bson:"userName"`
	ProfileImage string   `bson:"profileImage"`
	LikeCount    int      `bson:"likeCount"`
	SaveCount    int      `bson:"saveCount"`
}

func (d postDoc) post() blogapp.Post {
	images := d.Images
	if images == nil {
		images = []string{}
	}
	return blogapp.Post{
		ID:           d.ID,
		Seq:          d.Seq,
		UserID:       d.UserID,
		Title:        d.Title,
		Content:      d.Content,
		Images:       images,
		CreatedAt:    d.CreatedAt,
		UserName:     d.UserName,
		ProfileImage: d.ProfileImage,
		LikeCount:    d.LikeCount,
		SaveCount:    d.SaveCount,
	}
}

// PutPost upserts a post. The author fields, creation time, sequence and
// counters of an existing post are only ever set on insert; later author
// changes go through SetPostAuthor.
func (s *Store) PutPost(ctx context.Context, p blogapp.Post) (blogapp.Post, error) {
	if p.ID == "" {
		return blogapp.Post{}, required("id")
	}
	images := p.Images
	if images == nil {
		images = []string{}
	}
	update := bson.M{"$set": bson.M{
		"title":   p.Title,
		"content": p.Content,
		"images":  images,
	}}

	found, err := s.exists(ctx, s.posts, p.ID)
	if err != nil {
		return blogapp.Post{}, storeErr("put post", err)
	}
	if !found {
		seq, err := s.nextSeq(ctx, "posts")
		if err != nil {
			return blogapp.Post{}, err
		}
		update["$setOnInsert"] = bson.M{
			"seq":          seq,
			"userId":       p.UserID,
			"createdAt":    p.CreatedAt,
			"userName":     p.UserName,
			"profileImage": p.ProfileImage,
			"likeCount":    0,
			"saveCount":    0,
		}
	}
	if _, err := s.posts.UpdateOne(ctx, bson.M{"_id": p.ID}, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return blogapp.Post{}, storeErr("put post", err)
	}
	return s.GetPost(ctx, p.ID)
}

// GetPost returns a post by id.
func (s *Store) GetPost(ctx context.Context, id string) (blogapp.Post, error) {
	var doc postDoc
	if err := s.posts.FindOne(ctx, bson.M{"_id": id}, options.FindOne().SetProjection(withoutSets)).Decode(&doc); err != nil {
		return blogapp.Post{}, storeErr("get post", err)
	}
	return doc.post(), nil
}

// QueryPosts returns matching posts newest first.
func (s *Store) QueryPosts(ctx context.Context, q blogapp.PostQuery) ([]blogapp.Post, error) {
	filter := bson.M{}
	if q.AuthorID != "" {
		filter["userId"] = q.AuthorID
	}
	if q.IDs != nil {
		if len(q.IDs) == 0 {
			return nil, nil
		}
		filter["_id"] = bson.M{"$in": q.IDs}
	}
	cur, err := s.posts.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "seq", Value: -1}}).SetProjection(withoutSets))
	if err != nil {
		return nil, storeErr("query posts", err)
	}
	var docs []postDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storeErr("query posts", err)
	}
	var posts []blogapp.Post
	for _, d := range docs {
		posts = append(posts, d.post())
	}
	return posts, nil
}

// DeletePost removes the post's comments, then the post with its like and
// save sets. Comments go first so none outlives its post.
func (s *Store) DeletePost(ctx context.Context, id string) error {
	if _, err := s.comments.DeleteMany(ctx, bson.M{"postId": id}); err != nil {
		return storeErr("delete post", err)
	}
	_, err := s.posts.DeleteOne(ctx, bson.M{"_id": id})
	return storeErr("delete post", err)
}

func authorUpdate(name string, avatar *string) bson.M {
	set := bson.M{"userName": name}
	if avatar != nil {
		set["profileImage"] = *avatar
	}
	return bson.M{"$set": set}
}

// SetPostAuthor rewrites the denormalized author fields of a post. A nil
// avatar leaves the stored one untouched.
func (s *Store) SetPostAuthor(ctx context.Context, postID, name string, avatar *string) error {
	res, err := s.posts.UpdateOne(ctx, bson.M{"_id": postID}, authorUpdate(name, avatar))
	if err != nil {
		return storeErr("set post author", err)
	}
	if res.MatchedCount == 0 {
		return notFound("set post author")
	}
	return nil
}

type commentDoc struct {
	Key          string `bson:"_id"`
	ID           string `bson:"id"`
	PostID       string `bson:"postId"`
	Seq          int64  `bson:"seq"`
	UserID       string `bson:"userId"`
	UserName     string `bson:"userName"`
	ProfileImage string `bson:"profileImage"`
	Content      string `bson:"content"`
	CreatedAt    int64  `bson:"createdAt"`
}

func (d commentDoc) comment() blogapp.Comment {
	return blogapp.Comment{
		ID:           d.ID,
		PostID:       d.PostID,
		Seq:          d.Seq,
		UserID:       d.UserID,
		UserName:     d.UserName,
		ProfileImage: d.ProfileImage,
		Content:      d.Content,
		CreatedAt:    d.CreatedAt,
	}
}

// PutComment upserts a comment under its post. Only the content of an
// existing comment is rewritten. It fails with blogapp.ErrNotFound when the
// post does not exist.
func (s *Store) PutComment(ctx context.Context, c blogapp.Comment) (blogapp.Comment, error) {
	if c.ID == "" {
		return blogapp.Comment{}, required("id")
	}
	if c.PostID == "" {
		return blogapp.Comment{}, required("postId")
	}
	ok, err := s.exists(ctx, s.posts, c.PostID)
	if err != nil {
		return blogapp.Comment{}, storeErr("put comment", err)
	}
	if !ok {
		return blogapp.Comment{}, notFound("put comment")
	}

	key := c.Key()
	update := bson.M{"$set": bson.M{"content": c.Content}}
	found, err := s.exists(ctx, s.comments, key)
	if err != nil {
		return blogapp.Comment{}, storeErr("put comment", err)
	}
	if !found {
		seq, err := s.nextSeq(ctx, "comments")
		if err != nil {
			return blogapp.Comment{}, err
		}
		update["$setOnInsert"] = bson.M{
			"id":           c.ID,
			"postId":       c.PostID,
			"seq":          seq,
			"userId":       c.UserID,
			"userName":     c.UserName,
			"profileImage": c.ProfileImage,
			"createdAt":    c.CreatedAt,
		}
	}
	if _, err := s.comments.UpdateOne(ctx, bson.M{"_id": key}, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return blogapp.Comment{}, storeErr("put comment", err)
	}
	return s.GetComment(ctx, c.PostID, c.ID)
}

// GetComment returns one comment of a post.
func (s *Store) GetComment(ctx context.Context, postID, id string) (blogapp.Comment, error) {
	var doc commentDoc
	if err := s.comments.FindOne(ctx, bson.M{"_id": blogapp.CommentKey(postID, id)}).Decode(&doc); err != nil {
		return blogapp.Comment{}, storeErr("get comment", err)
	}
	return doc.comment(), nil
}

// QueryComments returns matching comments in insertion order.
func (s *Store) QueryComments(ctx context.Context, q blogapp.CommentQuery) ([]blogapp.Comment, error) {
	filter := bson.M{}
	if q.PostID != "" {
		filter["postId"] = q.PostID
	}
	if q.AuthorID != "" {
		filter["userId"] = q.AuthorID
	}
	cur, err := s.comments.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, storeErr("query comments", err)
	}
	var docs []commentDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storeErr("query comments", err)
	}
	var comments []blogapp.Comment
	for _, d := range docs {
		comments = append(comments, d.comment())
	}
	return comments, nil
}

// SetCommentAuthor rewrites the denormalized author fields of a comment.
func (s *Store) SetCommentAuthor(ctx context.Context, postID, id, name string, avatar *string) error {
	res, err := s.comments.UpdateOne(ctx, bson.M{"_id": blogapp.CommentKey(postID, id)}, authorUpdate(name, avatar))
	if err != nil {
		return storeErr("set comment author", err)
	}
	if res.MatchedCount == 0 {
		return notFound("set comment author")
	}
	return nil
}

// memberDoc is one element of a post's likes or saves array.
type memberDoc struct {
	UserID    string `bson:"userId"`
	CreatedAt int64  `bson:"createdAt"`
}

// setDoc reads a post's counters together with its membership arrays.
type setDoc struct {
	ID        string      `bson:"_id"`
	LikeCount int         `bson:"likeCount"`
	SaveCount int         `bson:"saveCount"`
	Likes     []memberDoc `bson:"likes"`
	Saves     []memberDoc `bson:"saves"`
}

func (d setDoc) counter(k blogapp.Kind) int {
	if k == blogapp.Save {
		return d.SaveCount
	}
	return d.LikeCount
}

func (d setDoc) members(k blogapp.Kind) []memberDoc {
	if k == blogapp.Save {
		return d.Saves
	}
	return d.Likes
}

// ToggleMembership flips the membership with one conditional update on the
// post document: add the user if absent, else remove them. The counter moves
// in the same update, so it always equals the size of the set, whichever
// instance wins a race.
func (s *Store) ToggleMembership(ctx context.Context, userID, postID string, kind blogapp.Kind) (blogapp.MembershipResult, error) {
	const op = "toggle membership"
	field, set := counterField(kind), setField(kind)
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(withoutSets)

	for {
		var doc postDoc
		err := s.posts.FindOneAndUpdate(ctx,
			bson.M{"_id": postID, set + ".userId": bson.M{"$ne": userID}},
			bson.M{
				"$push": bson.M{set: memberDoc{UserID: userID, CreatedAt: time.Now().UnixMilli()}},
				"$inc":  bson.M{field: 1},
			}, opts).Decode(&doc)
		if err == nil {
			return blogapp.MembershipResult{Active: true, Count: countOf(doc, field)}, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return blogapp.MembershipResult{}, storeErr(op, err)
		}

		err = s.posts.FindOneAndUpdate(ctx,
			bson.M{"_id": postID, set + ".userId": userID},
			bson.M{
				"$pull": bson.M{set: bson.M{"userId": userID}},
				"$inc":  bson.M{field: -1},
			}, opts).Decode(&doc)
		if err == nil {
			return blogapp.MembershipResult{Active: false, Count: countOf(doc, field)}, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return blogapp.MembershipResult{}, storeErr(op, err)
		}

		// Neither matched: the post is gone, or another instance flipped the
		// membership between the two updates.
		ok, err := s.exists(ctx, s.posts, postID)
		if err != nil {
			return blogapp.MembershipResult{}, storeErr(op, err)
		}
		if !ok {
			return blogapp.MembershipResult{}, notFound(op)
		}
	}
}

func countOf(doc postDoc, field string) int {
	if field == "saveCount" {
		return doc.SaveCount
	}
	return doc.LikeCount
}

// HasMembership reports whether the user currently holds the membership.
func (s *Store) HasMembership(ctx context.Context, userID, postID string, kind blogapp.Kind) (bool, error) {
	filter := bson.M{"_id": postID, setField(kind) + ".userId": userID}
	n, err := s.posts.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, storeErr("has membership", err)
	}
	return n > 0, nil
}

// MemberPosts lists the ids of posts the user liked or saved, oldest first.
func (s *Store) MemberPosts(ctx context.Context, userID string, kind blogapp.Kind) ([]string, error) {
	set := setField(kind)
	opts := options.Find().SetProjection(bson.M{
		set: bson.M{"$elemMatch": bson.M{"userId": userID}},
	})
	cur, err := s.posts.Find(ctx, bson.M{set + ".userId": userID}, opts)
	if err != nil {
		return nil, storeErr("member posts", err)
	}
	var docs []setDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storeErr("member posts", err)
	}
	at := make(map[string]int64, len(docs))
	for _, d := range docs {
		if m := d.members(kind); len(m) > 0 {
			at[d.ID] = m[0].CreatedAt
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		if at[docs[i].ID] != at[docs[j].ID] {
			return at[docs[i].ID] < at[docs[j].ID]
		}
		return docs[i].ID < docs[j].ID
	})
	var ids []string
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// CountMembers returns the size of a post's like or save set.
func (s *Store) CountMembers(ctx context.Context, postID string, kind blogapp.Kind) (int, error) {
	var doc setDoc
	opts := options.FindOne().SetProjection(bson.M{setField(kind): 1})
	if err := s.posts.FindOne(ctx, bson.M{"_id": postID}, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, nil
		}
		return 0, storeErr("count members", err)
	}
	return len(doc.members(kind)), nil
}

// RecountMembers sets a post counter to the size of its set with one
// pipeline update on the post document and reports the value it replaced.
func (s *Store) RecountMembers(ctx context.Context, postID string, kind blogapp.Kind) (was, now int, err error) {
	field, set := counterField(kind), setField(kind)
	recount := mongo.Pipeline{{{Key: "$set", Value: bson.D{{Key: field, Value: bson.D{
		{Key: "$size", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$" + set, bson.A{}}}}},
	}}}}}}
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.Before).
		SetProjection(bson.M{field: 1, set: 1})

	var before setDoc
	if err := s.posts.FindOneAndUpdate(ctx, bson.M{"_id": postID}, recount, opts).Decode(&before); err != nil {
		return 0, 0, storeErr("recount members", err)
	}
	return before.counter(kind), len(before.members(kind)), nil
}

type fanoutDoc struct {
	UserID    string `bson:"_id"`
	Failed    int    `bson:"failed"`
	UpdatedAt int64  `bson:"updatedAt"`
}

// RecordFanout marks a user's propagation as pending a retry.
func (s *Store) RecordFanout(ctx context.Context, rec blogapp.FanoutRecord) error {
	_, err := s.fanouts.ReplaceOne(ctx, bson.M{"_id": rec.UserID}, fanoutDoc(rec), options.Replace().SetUpsert(true))
	return storeErr("record fanout", err)
}

// ClearFanout removes a pending propagation marker.
func (s *Store) ClearFanout(ctx context.Context, userID string) error {
	_, err := s.fanouts.DeleteOne(ctx, bson.M{"_id": userID})
	return storeErr("clear fanout", err)
}

// PendingFanouts lists users whose propagation still has failures, oldest first.
func (s *Store) PendingFanouts(ctx context.Context) ([]blogapp.FanoutRecord, error) {
	cur, err := s.fanouts.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "updatedAt", Value: 1}}))
	if err != nil {
		return nil, storeErr("pending fanouts", err)
	}
	var docs []fanoutDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, storeErr("pending fanouts", err)
	}
	var recs []blogapp.FanoutRecord
	for _, d := range docs {
		recs = append(recs, blogapp.FanoutRecord(d))
	}
	return recs, nil
}
