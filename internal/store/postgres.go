package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"changehook/internal/model"
	"changehook/internal/search"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies the embedded migrations that have not run yet, each in its
// own transaction, in file name order.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		version := strings.TrimSuffix(strings.TrimPrefix(name, "migrations/"), ".sql")
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists); err != nil {
			return fmt.Errorf("migrate %s: %w", version, err)
		}
		if exists {
			continue
		}
		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return err
		}
		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(body)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Audit records

type pgTx struct {
	tx *sql.Tx
}

func (p *Postgres) Begin(ctx context.Context) (Tx, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

func (t *pgTx) AppendChange(ctx context.Context, c model.ObjectChange) error {
	pre, err := snapshotJSON(c.PreChange)
	if err != nil {
		return err
	}
	post, err := snapshotJSON(c.PostChange)
	if err != nil {
		return err
	}
	var warnings any
	if len(c.Warnings) > 0 {
		b, err := json.Marshal(c.Warnings)
		if err != nil {
			return err
		}
		warnings = b
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO object_changes (id, request_id, seq, time, username, action, changed_object_type, changed_object_id, object_repr, prechange_data, postchange_data, warnings)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		c.ID, c.RequestID, c.Seq, c.Time, c.User, string(c.Action), c.ChangedObjectType, c.ChangedObjectID, c.ObjectRepr, pre, post, warnings)
	switch {
	case errors.Is(err, sql.ErrTxDone):
		return ErrTxDone
	case isUniqueViolation(err):
		return fmt.Errorf("%w: request %s seq %d already recorded", ErrConflict, c.RequestID, c.Seq)
	}
	return err
}

func (t *pgTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return ErrTxDone
		}
		return err
	}
	return nil
}

func (t *pgTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil {
		if errors.Is(err, sql.ErrTxDone) {
			return ErrTxDone
		}
		return err
	}
	return nil
}

const changeCols = `id::text, request_id, seq, time, username, action, changed_object_type, changed_object_id, object_repr, prechange_data, postchange_data, warnings`

func (p *Postgres) GetChange(ctx context.Context, id string) (model.ObjectChange, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.ObjectChange{}, ErrNotFound
	}
	c, err := scanChange(p.db.QueryRowContext(ctx, `SELECT `+changeCols+` FROM object_changes WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.ObjectChange{}, ErrNotFound
	}
	return c, err
}

func (p *Postgres) ListChanges(ctx context.Context, f model.ChangeFilter) ([]model.ObjectChange, string, error) {
	limit := clampLimit(f.Limit)
	offset := parseCursor(f.Cursor)
	q := `SELECT ` + changeCols + ` FROM object_changes WHERE true`
	args := []any{}
	idx := 1
	if len(f.ObjectTypes) > 0 {
		types := make([]string, len(f.ObjectTypes))
		for i, t := range f.ObjectTypes {
			types[i] = strings.ToLower(t)
		}
		q += ` AND lower(changed_object_type) = ANY($` + fmt.Sprint(idx) + `)`
		args = append(args, pq.Array(types))
		idx++
	}
	if f.ObjectID != "" {
		q += ` AND changed_object_id=$` + fmt.Sprint(idx)
		args = append(args, f.ObjectID)
		idx++
	}
	if f.User != "" {
		q += ` AND username=$` + fmt.Sprint(idx)
		args = append(args, f.User)
		idx++
	}
	if f.RequestID != "" {
		q += ` AND request_id=$` + fmt.Sprint(idx)
		args = append(args, f.RequestID)
		idx++
	}
	if !f.Since.IsZero() {
		q += ` AND time >= $` + fmt.Sprint(idx)
		args = append(args, f.Since)
		idx++
	}
	if !f.Until.IsZero() {
		q += ` AND time < $` + fmt.Sprint(idx)
		args = append(args, f.Until)
		idx++
	}
	if f.Query != "" {
		q += ` AND object_repr ILIKE $` + fmt.Sprint(idx) + ` ESCAPE '\'`
		args = append(args, search.LikePattern(search.ParseLookup(f.Lookup), f.Query))
		idx++
	}
	if f.Ascending {
		q += ` ORDER BY time ASC, seq ASC, id ASC`
	} else {
		q += ` ORDER BY time DESC, seq DESC, id DESC`
	}
	q += ` LIMIT $` + fmt.Sprint(idx) + ` OFFSET $` + fmt.Sprint(idx+1)
	args = append(args, limit, offset)

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.ObjectChange{}
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	return out, nextCursor(offset, len(out), limit), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChange(row rowScanner) (model.ObjectChange, error) {
	var (
		c                   model.ObjectChange
		action              string
		pre, post, warnings []byte
	)
	if err := row.Scan(&c.ID, &c.RequestID, &c.Seq, &c.Time, &c.User, &action, &c.ChangedObjectType, &c.ChangedObjectID, &c.ObjectRepr, &pre, &post, &warnings); err != nil {
		return model.ObjectChange{}, err
	}
	c.Action = model.Action(action)
	c.Time = c.Time.UTC()
	if len(pre) > 0 {
		if err := json.Unmarshal(pre, &c.PreChange); err != nil {
			return model.ObjectChange{}, fmt.Errorf("decode prechange of %s: %w", c.ID, err)
		}
	}
	if len(post) > 0 {
		if err := json.Unmarshal(post, &c.PostChange); err != nil {
			return model.ObjectChange{}, fmt.Errorf("decode postchange of %s: %w", c.ID, err)
		}
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &c.Warnings); err != nil {
			return model.ObjectChange{}, fmt.Errorf("decode warnings of %s: %w", c.ID, err)
		}
	}
	return c, nil
}

// Webhooks

const webhookCols = `id::text, name, content_types, type_create, type_update, type_delete, payload_url, http_method, http_content_type, additional_headers, COALESCE(secret,''), conditions, enabled, created_at, updated_at`

func (p *Postgres) CreateWebhook(ctx context.Context, w model.Webhook) (model.Webhook, error) {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	headers, err := headersJSON(w.AdditionalHeaders)
	if err != nil {
		return model.Webhook{}, err
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO webhooks (id, name, content_types, type_create, type_update, type_delete, payload_url, http_method, http_content_type, additional_headers, secret, conditions, enabled)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13) RETURNING `+webhookCols,
		w.ID, w.Name, pq.Array(w.ContentTypes), w.TypeCreate, w.TypeUpdate, w.TypeDelete, w.PayloadURL, w.Method(), w.ContentType(), headers, nullIfEmpty(w.Secret), conditionsJSON(w.Conditions), w.Enabled)
	out, err := scanWebhook(row)
	if isUniqueViolation(err) {
		return model.Webhook{}, ErrConflict
	}
	return out, err
}

func (p *Postgres) GetWebhook(ctx context.Context, id string) (model.Webhook, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.Webhook{}, ErrNotFound
	}
	w, err := scanWebhook(p.db.QueryRowContext(ctx, `SELECT `+webhookCols+` FROM webhooks WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Webhook{}, ErrNotFound
	}
	return w, err
}

func (p *Postgres) ListWebhooks(ctx context.Context, cursor string, limit int) ([]model.Webhook, string, error) {
	limit = clampLimit(limit)
	offset := parseCursor(cursor)
	rows, err := p.db.QueryContext(ctx, `SELECT `+webhookCols+` FROM webhooks ORDER BY name LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Webhook{}
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	return out, nextCursor(offset, len(out), limit), nil
}

func (p *Postgres) UpdateWebhook(ctx context.Context, w model.Webhook) (model.Webhook, error) {
	if _, err := uuid.Parse(w.ID); err != nil {
		return model.Webhook{}, ErrNotFound
	}
	headers, err := headersJSON(w.AdditionalHeaders)
	if err != nil {
		return model.Webhook{}, err
	}
	row := p.db.QueryRowContext(ctx, `UPDATE webhooks SET name=$2, content_types=$3, type_create=$4, type_update=$5, type_delete=$6, payload_url=$7, http_method=$8, http_content_type=$9,
        additional_headers=$10, secret=$11, conditions=$12, enabled=$13, updated_at=now() WHERE id=$1 RETURNING `+webhookCols,
		w.ID, w.Name, pq.Array(w.ContentTypes), w.TypeCreate, w.TypeUpdate, w.TypeDelete, w.PayloadURL, w.Method(), w.ContentType(), headers, nullIfEmpty(w.Secret), conditionsJSON(w.Conditions), w.Enabled)
	out, err := scanWebhook(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Webhook{}, ErrNotFound
	case isUniqueViolation(err):
		return model.Webhook{}, ErrConflict
	}
	return out, err
}

func (p *Postgres) DeleteWebhook(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM webhooks WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) EnabledWebhooks(ctx context.Context, objectType string, action model.Action) ([]model.Webhook, error) {
	var flag string
	switch action {
	case model.ActionCreate:
		flag = "type_create"
	case model.ActionUpdate:
		flag = "type_update"
	case model.ActionDelete:
		flag = "type_delete"
	default:
		return []model.Webhook{}, nil
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+webhookCols+` FROM webhooks
        WHERE enabled AND `+flag+` AND EXISTS (SELECT 1 FROM unnest(content_types) ct WHERE lower(ct) = lower($1)) ORDER BY name`, objectType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Webhook{}
	for rows.Next() {
		w, err := scanWebhook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func scanWebhook(row rowScanner) (model.Webhook, error) {
	var (
		w                   model.Webhook
		contentTypes        []string
		headers, conditions []byte
	)
	if err := row.Scan(&w.ID, &w.Name, pq.Array(&contentTypes), &w.TypeCreate, &w.TypeUpdate, &w.TypeDelete, &w.PayloadURL, &w.HTTPMethod, &w.HTTPContentType, &headers, &w.Secret, &conditions, &w.Enabled, &w.Created, &w.LastUpdated); err != nil {
		return model.Webhook{}, err
	}
	w.ContentTypes = contentTypes
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &w.AdditionalHeaders); err != nil {
			return model.Webhook{}, fmt.Errorf("decode headers of webhook %s: %w", w.ID, err)
		}
	}
	if len(conditions) > 0 {
		w.Conditions = json.RawMessage(conditions)
	}
	w.Created = w.Created.UTC()
	w.LastUpdated = w.LastUpdated.UTC()
	return w, nil
}

// Delivery jobs

const jobCols = `id::text, webhook_id::text, event_id::text, request_id, object_type, action, url, http_method, content_type, headers, COALESCE(secret,''), payload, attempt_count, status,
        COALESCE(last_error,''), COALESCE(response_code,0), COALESCE(latency_ms,0), next_attempt_at, created_at, updated_at, completed_at`

func (p *Postgres) CreateDeliveryJob(ctx context.Context, j model.DeliveryJob) (model.DeliveryJob, bool, error) {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = model.JobPending
	}
	if j.NextAttemptAt.IsZero() {
		j.NextAttemptAt = time.Now().UTC()
	}
	headers, err := headersJSON(j.Headers)
	if err != nil {
		return model.DeliveryJob{}, false, err
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO delivery_jobs (id, webhook_id, event_id, request_id, object_type, action, url, http_method, content_type, headers, secret, payload, status, next_attempt_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
        ON CONFLICT (event_id, webhook_id) DO NOTHING RETURNING `+jobCols,
		j.ID, j.WebhookID, j.EventID, j.RequestID, j.ObjectType, string(j.Action), j.URL, j.HTTPMethod, j.ContentType, headers, nullIfEmpty(j.Secret), j.Payload, string(j.Status), j.NextAttemptAt)
	out, err := scanJob(row)
	if err == nil {
		return out, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.DeliveryJob{}, false, err
	}
	existing, err := scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM delivery_jobs WHERE event_id=$1 AND webhook_id=$2`, j.EventID, j.WebhookID))
	if err != nil {
		return model.DeliveryJob{}, false, err
	}
	return existing, false, nil
}

func (p *Postgres) GetDeliveryJob(ctx context.Context, id string) (model.DeliveryJob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.DeliveryJob{}, ErrNotFound
	}
	j, err := scanJob(p.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM delivery_jobs WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeliveryJob{}, ErrNotFound
	}
	return j, err
}

// TransitionDeliveryJob locks the row, checks its status against from and
// writes back the runtime fields changed by mutate.
func (p *Postgres) TransitionDeliveryJob(ctx context.Context, id string, from []model.JobStatus, mutate func(*model.DeliveryJob)) (model.DeliveryJob, error) {
	if _, err := uuid.Parse(id); err != nil {
		return model.DeliveryJob{}, ErrNotFound
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.DeliveryJob{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM delivery_jobs WHERE id=$1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.DeliveryJob{}, ErrNotFound
	}
	if err != nil {
		return model.DeliveryJob{}, err
	}
	if !statusIn(cur.Status, from) {
		return cur, ErrInvalidState
	}
	next := cur
	mutate(&next)
	_, err = tx.ExecContext(ctx, `UPDATE delivery_jobs SET attempt_count=$2, status=$3, last_error=$4, response_code=$5, latency_ms=$6, next_attempt_at=$7, completed_at=$8, updated_at=now() WHERE id=$1`,
		id, next.AttemptCount, string(next.Status), nullIfEmpty(next.LastError), nullIfZero(next.ResponseCode), nullIfZero(next.LatencyMs), next.NextAttemptAt, next.Completed)
	if err != nil {
		return model.DeliveryJob{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.DeliveryJob{}, err
	}
	next.Updated = time.Now().UTC()
	return next, nil
}

func (p *Postgres) ListDeliveryJobs(ctx context.Context, f model.JobFilter) ([]model.DeliveryJob, string, error) {
	limit := clampLimit(f.Limit)
	offset := parseCursor(f.Cursor)
	q := `SELECT ` + jobCols + ` FROM delivery_jobs WHERE true`
	args := []any{}
	idx := 1
	if f.Status != "" {
		q += ` AND status=$` + fmt.Sprint(idx)
		args = append(args, string(f.Status))
		idx++
	}
	if f.WebhookID != "" {
		if _, err := uuid.Parse(f.WebhookID); err != nil {
			return []model.DeliveryJob{}, "", nil
		}
		q += ` AND webhook_id=$` + fmt.Sprint(idx)
		args = append(args, f.WebhookID)
		idx++
	}
	if f.RequestID != "" {
		q += ` AND request_id=$` + fmt.Sprint(idx)
		args = append(args, f.RequestID)
		idx++
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT $` + fmt.Sprint(idx) + ` OFFSET $` + fmt.Sprint(idx+1)
	args = append(args, limit, offset)
	out, err := p.queryJobs(ctx, q, args...)
	if err != nil {
		return nil, "", err
	}
	return out, nextCursor(offset, len(out), limit), nil
}

func (p *Postgres) FetchDueDeliveryJobs(ctx context.Context, before time.Time, limit int) ([]model.DeliveryJob, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	return p.queryJobs(ctx, `SELECT `+jobCols+` FROM delivery_jobs WHERE status IN ('pending','retrying') AND next_attempt_at <= $1 ORDER BY next_attempt_at ASC LIMIT $2`, before, limit)
}

func (p *Postgres) CancelDeliveryJobsForWebhook(ctx context.Context, webhookID string) ([]string, error) {
	if _, err := uuid.Parse(webhookID); err != nil {
		return []string{}, nil
	}
	rows, err := p.db.QueryContext(ctx, `UPDATE delivery_jobs SET status='cancelled', last_error='webhook deleted', completed_at=now(), updated_at=now()
        WHERE webhook_id=$1 AND status IN ('pending','retrying') RETURNING id::text`, webhookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeliveryStats groups jobs by action and status with latency buckets built
// from the sorted edges.
func (p *Postgres) DeliveryStats(ctx context.Context, since time.Time, buckets []int) ([]DeliveryStat, error) {
	if len(buckets) == 0 {
		buckets = DefaultLatencyBuckets
	}
	buckets = append([]int(nil), buckets...)
	sort.Ints(buckets)
	sel := `SELECT action, status, COUNT(*) AS cnt, COALESCE(AVG(latency_ms),0)::int AS avg_latency_ms`
	for i, edge := range buckets {
		if i == 0 {
			sel += fmt.Sprintf(", SUM(CASE WHEN COALESCE(latency_ms,0) < %d THEN 1 ELSE 0 END) AS b%d", edge, i)
		} else {
			sel += fmt.Sprintf(", SUM(CASE WHEN COALESCE(latency_ms,0) >= %d AND COALESCE(latency_ms,0) < %d THEN 1 ELSE 0 END) AS b%d", buckets[i-1], edge, i)
		}
	}
	sel += fmt.Sprintf(", SUM(CASE WHEN COALESCE(latency_ms,0) >= %d THEN 1 ELSE 0 END) AS b%d", buckets[len(buckets)-1], len(buckets))
	sel += `, SUM(CASE WHEN COALESCE(response_code,0) BETWEEN 200 AND 299 THEN 1 ELSE 0 END) AS c2xx, SUM(CASE WHEN COALESCE(response_code,0) BETWEEN 300 AND 399 THEN 1 ELSE 0 END) AS c3xx,
        SUM(CASE WHEN COALESCE(response_code,0) BETWEEN 400 AND 499 THEN 1 ELSE 0 END) AS c4xx, SUM(CASE WHEN COALESCE(response_code,0) BETWEEN 500 AND 599 THEN 1 ELSE 0 END) AS c5xx,
        SUM(CASE WHEN COALESCE(response_code,0) = 0 THEN 1 ELSE 0 END) AS cnone`
	q := sel + ` FROM delivery_jobs WHERE updated_at >= $1 GROUP BY action, status ORDER BY action, status`
	rows, err := p.db.QueryContext(ctx, q, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []DeliveryStat{}
	for rows.Next() {
		var (
			action, status string
			cnt, avg      int64
		)
		bucketVals := make([]int64, len(buckets)+1)
		classes := make([]int64, 5)
		scan := []any{&action, &status, &cnt, &avg}
		for i := range bucketVals {
			scan = append(scan, &bucketVals[i])
		}
		for i := range classes {
			scan = append(scan, &classes[i])
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, err
		}
		st := DeliveryStat{
			Action:         model.Action(action),
			Status:         model.JobStatus(status),
			Count:          int(cnt),
			AvgLatencyMs:   int(avg),
			LatencyEdges:   buckets,
			LatencyBuckets: make([]int, len(bucketVals)),
			CodeClasses:    map[string]int{},
		}
		for i, v := range bucketVals {
			st.LatencyBuckets[i] = int(v)
		}
		for i, name := range []string{"c2xx", "c3xx", "c4xx", "c5xx", "none"} {
			if classes[i] > 0 {
				st.CodeClasses[name] = int(classes[i])
			}
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (p *Postgres) queryJobs(ctx context.Context, q string, args ...any) ([]model.DeliveryJob, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.DeliveryJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row rowScanner) (model.DeliveryJob, error) {
	var (
		j              model.DeliveryJob
		action, status string
		headers        []byte
		completed      sql.NullTime
	)
	if err := row.Scan(&j.ID, &j.WebhookID, &j.EventID, &j.RequestID, &j.ObjectType, &action, &j.URL, &j.HTTPMethod, &j.ContentType, &headers, &j.Secret, &j.Payload,
		&j.AttemptCount, &status, &j.LastError, &j.ResponseCode, &j.LatencyMs, &j.NextAttemptAt, &j.Created, &j.Updated, &completed); err != nil {
		return model.DeliveryJob{}, err
	}
	j.Action = model.Action(action)
	j.Status = model.JobStatus(status)
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &j.Headers); err != nil {
			return model.DeliveryJob{}, fmt.Errorf("decode headers of job %s: %w", j.ID, err)
		}
	}
	if completed.Valid {
		t := completed.Time.UTC()
		j.Completed = &t
	}
	j.NextAttemptAt = j.NextAttemptAt.UTC()
	j.Created = j.Created.UTC()
	j.Updated = j.Updated.UTC()
	return j, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func snapshotJSON(s model.Snapshot) (any, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func headersJSON(h map[string]string) (any, error) {
	if len(h) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func conditionsJSON(raw json.RawMessage) any {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	return []byte(raw)
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
