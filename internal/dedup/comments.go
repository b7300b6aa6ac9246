package dedup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"localpulse/internal/store"
	"localpulse/internal/util"
)

const (
	MaxCommentRunes  = 2000
	touchMaxAttempts = 3
)

// AddComment appends a user comment. Comments are never mutated, so the
// append needs no token; bumping the report's LastUpdatedAt afterwards is
// best-effort. A withdrawn report keeps its thread readable but takes no new
// comments.
func (e *Engine) AddComment(ctx context.Context, reportID, authorID, text string) (store.Comment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return store.Comment{}, invalid("text", "is required")
	}
	if utf8.RuneCountInString(text) > MaxCommentRunes {
		return store.Comment{}, invalid("text", fmt.Sprintf("must be at most %d characters", MaxCommentRunes))
	}
	if strings.TrimSpace(authorID) == "" {
		return store.Comment{}, invalid("authorId", "is required")
	}
	if authorID == store.MergeAuthor {
		return store.Comment{}, invalid("authorId", "is reserved")
	}

	partition, err := e.locateVisible(ctx, reportID)
	if err != nil {
		return store.Comment{}, err
	}

	comment := store.Comment{
		ID:        util.NewID("cmt"),
		ReportID:  reportID,
		AuthorID:  authorID,
		Text:      text,
		CreatedAt: e.clock(),
		Origin:    store.OriginUserAuthored,
	}
	if err := e.store.AppendComment(ctx, comment); err != nil {
		return store.Comment{}, storeFailure("append comment", err)
	}

	if err := e.touch(ctx, partition, reportID); err != nil {
		e.logger.Warn().Err(err).Str("report_id", reportID).Msg("comment stored without bumping lastUpdatedAt")
	}
	return comment, nil
}

// ListComments returns the whole thread, oldest first with ties broken by id.
func (e *Engine) ListComments(ctx context.Context, reportID string) ([]store.Comment, error) {
	if _, err := e.locate(ctx, reportID); err != nil {
		return nil, err
	}
	comments, err := e.store.ListComments(ctx, reportID)
	if err != nil {
		return nil, storeFailure("list comments", err)
	}
	sortComments(comments)
	return comments, nil
}

func sortComments(comments []store.Comment) {
	sort.SliceStable(comments, func(i, j int) bool {
		if !comments[i].CreatedAt.Equal(comments[j].CreatedAt) {
			return comments[i].CreatedAt.Before(comments[j].CreatedAt)
		}
		return comments[i].ID < comments[j].ID
	})
}

// touch moves LastUpdatedAt forward without changing any aggregate.
func (e *Engine) touch(ctx context.Context, partition, reportID string) error {
	_, err := e.retry(ctx, touchMaxAttempts, func(int) (bool, error) {
		current, err := e.store.Get(ctx, partition, reportID)
		if err != nil {
			return false, storeFailure("get report", err)
		}
		now := e.clock()
		if !now.After(current.LastUpdatedAt) {
			return false, nil
		}
		next := current.Clone()
		next.LastUpdatedAt = now
		_, err = e.store.Update(ctx, next, current.Token)
		if errors.Is(err, store.ErrConflict) {
			return true, nil
		}
		if err != nil {
			return false, storeFailure("touch report", err)
		}
		return false, nil
	})
	return err
}
