package game

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/lib/pq"
)

// Repository mirrors archived games into Postgres for durable history and
// reporting. The Redis archive remains the record of truth; rows here are
// written once per completed game and never updated.
type Repository struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Repository{
		db: db,
		sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveArchive inserts one completed game. Conflicting ids are ignored so a
// replayed mirror attempt stays idempotent.
func (r *Repository) SaveArchive(ctx context.Context, a *Archive) error {
	if r == nil || r.db == nil || a == nil {
		return nil
	}
	moves, err := json.Marshal(a.Moves)
	if err != nil {
		return fmt.Errorf("marshal moves: %w", err)
	}

	const q = `INSERT INTO archived_games (
	    id, final_position, moves, pgn,
	    result, reason, last_author, ended_at, status
	  ) VALUES ($1,$2,$3::jsonb,$4,$5,$6,$7,$8,$9)
	  ON CONFLICT (id) DO NOTHING`

	_, err = r.db.ExecContext(ctx, q,
		a.ID, a.FinalPosition, moves, buildPGN(a),
		a.Result, a.Reason, a.LastAuthor, a.EndedAt, a.Status,
	)
	if err != nil {
		return fmt.Errorf("insert archived game: %w", err)
	}
	return nil
}

// RecentArchives lists the newest completed games from the mirror.
func (r *Repository) RecentArchives(ctx context.Context, limit int) ([]*Archive, error) {
	if r == nil || r.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	q, args, err := r.sb.
		Select("id", "final_position", "moves", "result", "reason", "last_author", "ended_at", "status").
		From("archived_games").
		OrderBy("ended_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Archive
	for rows.Next() {
		var a Archive
		var moves []byte
		if err := rows.Scan(&a.ID, &a.FinalPosition, &moves, &a.Result, &a.Reason, &a.LastAuthor, &a.EndedAt, &a.Status); err != nil {
			return nil, err
		}
		if len(moves) > 0 {
			if err := json.Unmarshal(moves, &a.Moves); err != nil {
				return nil, fmt.Errorf("unmarshal moves for %s: %w", a.ID, err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func pgnResultOf(label string) string {
	switch strings.TrimSpace(label) {
	case "white loses":
		return "0-1"
	case "black loses":
		return "1-0"
	case "draw":
		return "1/2-1/2"
	default:
		return "*"
	}
}

func buildPGN(a *Archive) string {
	if a == nil {
		return ""
	}
	pgnResult := pgnResultOf(a.Result)
	date := a.EndedAt
	if date.IsZero() {
		date = time.Now()
	}
	var b strings.Builder
	b.WriteString("[Event \"Plaza shared board\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	if strings.TrimSpace(a.Reason) != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(a.Reason)))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", pgnResult))

	for i := 0; i < len(a.Moves); i += 2 {
		b.WriteString(fmt.Sprintf("%d. %s", (i/2)+1, strings.TrimSpace(a.Moves[i].SAN)))
		if i+1 < len(a.Moves) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(a.Moves[i+1].SAN))
		}
		b.WriteString(" ")
	}
	b.WriteString(pgnResult)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
