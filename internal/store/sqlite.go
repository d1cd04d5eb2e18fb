package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "postdeck/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withTx runs fn in a transaction; any error rolls everything back.
func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func (s *sqliteStore) CreateScheduled(ctx context.Context, t *Tweet, runAt time.Time) error {
	if t == nil || t.ID == "" {
		return errors.New("tweet id is required")
	}
	now := time.Now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tweets(id, account_id, content, reply_to_url, thread_id, thread_pos,
			                    status, scheduled_at, created_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.AccountID, t.Content, nullStr(t.ReplyToURL), nullStr(t.ThreadID), t.ThreadPos,
			string(TweetScheduled), millis(runAt), millis(now), millis(now),
		)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO schedules(tweet_id, status, run_at, retries, updated_at)
			 VALUES(?,?,?,0,?)`,
			t.ID, string(SchedulePending), millis(runAt), millis(now),
		)
		return err
	})
}

// transitionTweet updates the tweet's status iff it is currently in one of
// from; returns ErrConflict otherwise and ErrNotFound for unknown ids.
func transitionTweet(ctx context.Context, tx *sql.Tx, tweetID string, to TweetStatus, extra string, args []any, from ...TweetStatus) error {
	var cur string
	err := tx.QueryRowContext(ctx, `SELECT status FROM tweets WHERE id = ?`, tweetID).Scan(&cur)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	ok := false
	for _, f := range from {
		if TweetStatus(cur) == f {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("%w: tweet %s is %s", ErrConflict, tweetID, cur)
	}

	q := `UPDATE tweets SET status = ?, updated_at = ?` + extra + ` WHERE id = ?`
	all := append([]any{string(to), millis(time.Now())}, args...)
	all = append(all, tweetID)
	_, err = tx.ExecContext(ctx, q, all...)
	return err
}

func (s *sqliteStore) MarkPosting(ctx context.Context, tweetID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := transitionTweet(ctx, tx, tweetID, TweetPosting, "", nil, TweetScheduled, TweetFailed); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE schedules SET status = ?, updated_at = ? WHERE tweet_id = ?`,
			string(ScheduleRunning), millis(time.Now()), tweetID,
		)
		return err
	})
}

func (s *sqliteStore) MarkPosted(ctx context.Context, tweetID, externalID, url string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		err := transitionTweet(ctx, tx, tweetID, TweetPosted,
			", external_id = ?, url = ?, posted_at = ?, err = NULL",
			[]any{nullStr(externalID), nullStr(url), millis(at)},
			TweetPosting,
		)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE schedules SET status = ?, last_error = NULL, updated_at = ? WHERE tweet_id = ?`,
			string(ScheduleCompleted), millis(at), tweetID,
		); err != nil {
			return err
		}

		var accountID string
		if err := tx.QueryRowContext(ctx, `SELECT account_id FROM tweets WHERE id = ?`, tweetID).Scan(&accountID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO accounts(id, last_activity_at) VALUES(?,?)
			 ON CONFLICT(id) DO UPDATE SET last_activity_at = excluded.last_activity_at`,
			accountID, millis(at),
		); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO audit(at, account_id, tweet_id, action, detail) VALUES(?,?,?,?,?)`,
			at.Format(time.RFC3339Nano), accountID, tweetID, "tweet_posted", nullStr(url),
		)
		return err
	})
}

func (s *sqliteStore) MarkFailed(ctx context.Context, tweetID, errText string, permanent bool) error {
	now := time.Now()
	schedStatus := SchedulePending
	if permanent {
		schedStatus = ScheduleFailed
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		err := transitionTweet(ctx, tx, tweetID, TweetFailed,
			", err = ?", []any{nullStr(errText)},
			TweetPosting, TweetScheduled,
		)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE schedules SET status = ?, retries = retries + 1, last_error = ?, updated_at = ?
			 WHERE tweet_id = ?`,
			string(schedStatus), nullStr(errText), millis(now), tweetID,
		)
		return err
	})
}

func (s *sqliteStore) CancelTweet(ctx context.Context, tweetID string) error {
	now := time.Now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := transitionTweet(ctx, tx, tweetID, TweetCancelled, "", nil, TweetScheduled); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE schedules SET status = ?, updated_at = ? WHERE tweet_id = ?`,
			string(ScheduleCancelled), millis(now), tweetID,
		)
		return err
	})
}

func (s *sqliteStore) CancelThread(ctx context.Context, threadID string) (int, error) {
	if strings.TrimSpace(threadID) == "" {
		return 0, errors.New("thread id is required")
	}
	now := time.Now()
	var n int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tweets SET status = ?, updated_at = ? WHERE thread_id = ? AND status = ?`,
			string(TweetCancelled), millis(now), threadID, string(TweetScheduled),
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		n = int(affected)
		_, err = tx.ExecContext(ctx,
			`UPDATE schedules SET status = ?, updated_at = ?
			 WHERE tweet_id IN (SELECT id FROM tweets WHERE thread_id = ? AND status = ?)`,
			string(ScheduleCancelled), millis(now), threadID, string(TweetCancelled),
		)
		return err
	})
	return n, err
}

func (s *sqliteStore) Reschedule(ctx context.Context, tweetID string, runAt time.Time) error {
	now := time.Now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		err := transitionTweet(ctx, tx, tweetID, TweetScheduled,
			", scheduled_at = ?, err = NULL", []any{millis(runAt)},
			TweetScheduled, TweetFailed,
		)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE schedules SET status = ?, run_at = ?, last_error = NULL, updated_at = ?
			 WHERE tweet_id = ?`,
			string(SchedulePending), millis(runAt), millis(now), tweetID,
		)
		return err
	})
}

const tweetCols = `id, account_id, content, COALESCE(reply_to_url,''), COALESCE(thread_id,''), thread_pos,
	status, COALESCE(external_id,''), COALESCE(url,''), COALESCE(err,''),
	scheduled_at, posted_at, created_at, updated_at`

func scanTweet(row interface{ Scan(...any) error }) (*Tweet, error) {
	var t Tweet
	var status string
	var scheduledAt, postedAt, createdAt, updatedAt int64
	err := row.Scan(&t.ID, &t.AccountID, &t.Content, &t.ReplyToURL, &t.ThreadID, &t.ThreadPos,
		&status, &t.ExternalID, &t.URL, &t.Error,
		&scheduledAt, &postedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = TweetStatus(status)
	t.ScheduledAt = fromMillis(scheduledAt)
	t.PostedAt = fromMillis(postedAt)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}

func (s *sqliteStore) GetTweet(ctx context.Context, id string) (*Tweet, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tweetCols+` FROM tweets WHERE id = ?`, id)
	t, err := scanTweet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) ThreadMember(ctx context.Context, threadID string, pos int) (*Tweet, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tweetCols+` FROM tweets WHERE thread_id = ? AND thread_pos = ?`,
		threadID, pos,
	)
	t, err := scanTweet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (s *sqliteStore) Upcoming(ctx context.Context, accountID string, limit int) ([]*Tweet, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + tweetCols + ` FROM tweets WHERE status = ?`
	args := []any{string(TweetScheduled)}
	if accountID != "" {
		q += ` AND account_id = ?`
		args = append(args, accountID)
	}
	q += ` ORDER BY scheduled_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Tweet
	for rows.Next() {
		t, err := scanTweet(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT tweet_id, status, run_at, retries, COALESCE(last_error,''), updated_at
		 FROM schedules WHERE status = ? AND run_at <= ?
		 ORDER BY run_at ASC LIMIT ?`,
		string(SchedulePending), millis(now), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		var sc Schedule
		var status string
		var runAt, updatedAt int64
		if err := rows.Scan(&sc.TweetID, &status, &runAt, &sc.Retries, &sc.LastError, &updatedAt); err != nil {
			return nil, err
		}
		sc.Status = ScheduleStatus(status)
		sc.RunAt = fromMillis(runAt)
		sc.UpdatedAt = fromMillis(updatedAt)
		out = append(out, &sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEvent) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, account_id, tweet_id, action, detail) VALUES(?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.AccountID), nullStr(e.TweetID), e.Action, nullStr(e.Detail),
	)
	return err
}
