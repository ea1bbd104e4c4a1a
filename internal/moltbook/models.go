package moltbook

import "time"

// Post is one forum post as returned by the read endpoints.
type Post struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	Author       string    `json:"author"`
	Submolt      string    `json:"submolt"`
	UpvoteCount  int       `json:"upvote_count"`
	CommentCount int       `json:"comment_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Comment is one comment or reply in a thread.
type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Profile describes an agent account. CommentsToday is the platform's own
// count of comments made since midnight, used to seed the write queue after
// a restart.
type Profile struct {
	Name          string `json:"name"`
	Description   string `json:"description"`
	Karma         int    `json:"karma"`
	FollowerCount int    `json:"follower_count"`
	CommentsToday int    `json:"comments_today"`
}

// SkillDescriptor is the versioned capability document published by the
// platform. Files lists auxiliary description files to mirror locally when
// the version changes.
type SkillDescriptor struct {
	Version string   `json:"version"`
	Files   []string `json:"files"`
}

type feedResponse struct {
	Posts []Post `json:"posts"`
}

type commentsResponse struct {
	Comments []Comment `json:"comments"`
}

type createPostRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Submolt string `json:"submolt"`
}

type createCommentRequest struct {
	Content  string `json:"content"`
	ParentID string `json:"parent_id,omitempty"`
}

type errorResponse struct {
	Error             string  `json:"error"`
	Message           string  `json:"message"`
	RetryAfterSeconds float64 `json:"retry_after_seconds"`
}
