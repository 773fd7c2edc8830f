package repo

import (
	"context"
	"database/sql"
	"time"

	"featuregate/internal/domain"
)

func (r Repo) UpsertDiscussion(ctx context.Context, tx *sql.Tx, d domain.DiscussionItem) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO discussions(id, title, body, author, reply_count, like_count, created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET title=excluded.title, body=excluded.body, author=excluded.author,
  reply_count=excluded.reply_count, like_count=excluded.like_count, created_at=excluded.created_at`,
		d.ID, d.Title, d.Body, nullable(d.Author), d.ReplyCount, d.LikeCount, d.CreatedAt)
	return err
}

// RecentDiscussions returns items created at or after since, newest first.
func (r Repo) RecentDiscussions(ctx context.Context, since time.Time, limit int) ([]domain.DiscussionItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id, title, body, COALESCE(author,''), reply_count, like_count, created_at
FROM discussions WHERE created_at >= ? ORDER BY created_at DESC, id ASC LIMIT ?`,
		since.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DiscussionItem
	for rows.Next() {
		var d domain.DiscussionItem
		if err := rows.Scan(&d.ID, &d.Title, &d.Body, &d.Author, &d.ReplyCount, &d.LikeCount, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
