package export

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alecgard/tollbooth/internal/audit"
)

// Query filters and paginates exported audit records.
type Query struct {
	TenantID string    `json:"tenant_id,omitempty"`
	ToolID   string    `json:"tool_id,omitempty"`
	Status   string    `json:"status,omitempty"`
	From     time.Time `json:"from"`
	To       time.Time `json:"to"`
	Cursor   string    `json:"cursor,omitempty"`
	Limit    int       `json:"limit"`
}

// Store writes and reads audit records in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const insertCols = 14

// BatchInsert writes recs in a single multi-row INSERT. Records already
// exported (same id) are skipped. It is a no-op when recs is empty.
func (s *Store) BatchInsert(ctx context.Context, recs []audit.Record) error {
	if len(recs) == 0 {
		return nil
	}

	query, args := buildInsert(recs)
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting audit records: %w", err)
	}
	return nil
}

func buildInsert(recs []audit.Record) (string, []any) {
	args := make([]any, 0, len(recs)*insertCols)
	rows := make([]string, 0, len(recs))

	for i, r := range recs {
		base := i * insertCols
		ph := make([]string, insertCols)
		for j := range ph {
			ph[j] = "$" + strconv.Itoa(base+j+1)
		}
		rows = append(rows, "("+strings.Join(ph, ", ")+")")

		scopes := r.Scopes
		if scopes == nil {
			scopes = []string{}
		}
		args = append(args,
			r.ID,
			r.TenantID,
			r.RunID,
			r.UserID,
			r.ToolID,
			r.ToolName,
			r.InvocationID,
			r.InputHash,
			r.OutputHash,
			r.Status,
			r.Error,
			scopes,
			r.Elapsed.Microseconds(),
			r.CreatedAt,
		)
	}

	query := `INSERT INTO audit_records
		(id, tenant_id, run_id, user_id, tool_id, tool_name, invocation_id,
		 input_hash, output_hash, status, error, scopes, elapsed_us, created_at)
		VALUES ` + strings.Join(rows, ", ") + `
		ON CONFLICT (id) DO NOTHING`
	return query, args
}

// List returns a page of records matching q, newest first, and the cursor of
// the next page (empty when there is none).
func (s *Store) List(ctx context.Context, q Query) ([]audit.Record, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	// The cursor encodes "created_at|id".
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (created_at, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT id, tenant_id, run_id, user_id, tool_id, tool_name, invocation_id,
		input_hash, output_hash, status, error, scopes, elapsed_us, created_at
	FROM audit_records` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing audit records: %w", err)
	}
	defer rows.Close()

	var recs []audit.Record
	for rows.Next() {
		var (
			r         audit.Record
			elapsedUs int64
		)
		if err := rows.Scan(
			&r.ID, &r.TenantID, &r.RunID, &r.UserID, &r.ToolID, &r.ToolName, &r.InvocationID,
			&r.InputHash, &r.OutputHash, &r.Status, &r.Error, &r.Scopes, &elapsedUs, &r.CreatedAt,
		); err != nil {
			return nil, "", fmt.Errorf("scanning audit record: %w", err)
		}
		r.Elapsed = time.Duration(elapsedUs) * time.Microsecond
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating audit records: %w", err)
	}

	var next string
	if len(recs) > limit {
		last := recs[limit-1]
		next = encodeCursor(last.CreatedAt, last.ID)
		recs = recs[:limit]
	}
	return recs, next, nil
}

// DeleteBefore removes records created before t and returns how many were
// deleted.
func (s *Store) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_records WHERE created_at < $1`, t)
	if err != nil {
		return 0, fmt.Errorf("deleting audit records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// buildWhereClause returns a clause starting with " WHERE", or "".
func buildWhereClause(q Query) (string, []any) {
	var conditions []string
	var args []any

	if q.TenantID != "" {
		args = append(args, q.TenantID)
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if q.ToolID != "" {
		args = append(args, q.ToolID)
		conditions = append(conditions, fmt.Sprintf("tool_id = $%d", len(args)))
	}
	if q.Status != "" {
		args = append(args, q.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return t, id, nil
}
