package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"enclava/internal/domain"
)

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidQuery = errors.New("invalid query")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns tx when set so callers inside a transaction never touch the pool.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) now() string {
	if r.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return r.Now().UTC().Format(time.RFC3339)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// GetUserByAddress looks a user up by checksum address.
func (r Repo) GetUserByAddress(ctx context.Context, tx *sql.Tx, address string) (domain.User, error) {
	var u domain.User
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,address FROM users WHERE address=?`, address).Scan(&u.ID, &u.Address)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

// InsertUser inserts the address if missing and returns the stored user.
func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, address string) (domain.User, error) {
	if strings.TrimSpace(address) == "" {
		return domain.User{}, errors.New("address required")
	}
	if _, err := r.q(tx).ExecContext(ctx, `INSERT INTO users(address) VALUES (?) ON CONFLICT(address) DO NOTHING`, address); err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	return r.GetUserByAddress(ctx, tx, address)
}

const agentColumns = `a.id,a.name,a.description,a.price,a.owner_id,u.address,a.dataset_path,a.category,a.dataset_size,a.status,a.nft_id,a.nft_tx,a.created_at,a.updated_at`

const agentFrom = ` FROM agents a JOIN users u ON u.id=a.owner_id`

type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (domain.Agent, error) {
	var (
		a        domain.Agent
		category string
		nftID    sql.NullInt64
		nftTx    sql.NullString
	)
	err := row.Scan(&a.ID, &a.Name, &a.Description, &a.Price, &a.OwnerID, &a.OwnerAddress, &a.DatasetPath,
		&category, &a.DatasetSize, &a.Status, &nftID, &nftTx, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Category = domain.Category(category)
	if nftID.Valid {
		id := nftID.Int64
		a.NFTID = &id
	}
	if nftTx.Valid {
		tx := nftTx.String
		a.NFTTx = &tx
	}
	return a, nil
}

func scanAgents(rows *sql.Rows) ([]domain.Agent, error) {
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) GetAgent(ctx context.Context, id int64) (domain.Agent, error) {
	return r.GetAgentTx(ctx, nil, id)
}

func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Agent, error) {
	return scanAgent(r.q(tx).QueryRowContext(ctx, `SELECT `+agentColumns+agentFrom+` WHERE a.id=?`, id))
}

// InsertAgent stores a new dataset record and returns it with its owner address.
func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, in domain.NewAgent) (domain.Agent, error) {
	now := r.now()
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO agents(name,description,price,owner_id,dataset_path,category,dataset_size,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		in.Name, in.Description, in.Price.String(), in.OwnerID, in.DatasetPath, string(in.Category), in.DatasetSize, domain.StatusActive, now, now)
	if err != nil {
		return domain.Agent{}, fmt.Errorf("insert agent: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Agent{}, err
	}
	return r.GetAgentTx(ctx, tx, id)
}

// UpdateAgentNFT binds a token to a record that has none yet.
func (r Repo) UpdateAgentNFT(ctx context.Context, tx *sql.Tx, id, nftID int64, nftTx string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE agents SET nft_id=?, nft_tx=?, updated_at=? WHERE id=? AND nft_id IS NULL`,
		nftID, nftTx, r.now(), id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAgentsByIDs returns the records that exist among ids, in id order.
func (r Repo) GetAgentsByIDs(ctx context.Context, ids []int64) ([]domain.Agent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+agentFrom+` WHERE a.id IN (`+strings.Join(marks, ",")+`) ORDER BY a.id`, args...)
	if err != nil {
		return nil, err
	}
	return scanAgents(rows)
}

type AgentQuery struct {
	Search    string
	Category  string
	Status    string
	SortBy    string
	SortOrder string
}

var sortColumns = map[string]string{
	"price":      "CAST(a.price AS REAL)",
	"created_at": "a.created_at",
	"updated_at": "a.updated_at",
	"name":       "a.name",
}

func (r Repo) ListAgents(ctx context.Context, f AgentQuery) ([]domain.Agent, error) {
	clauses := []string{"1=1"}
	var args []any
	if s := strings.TrimSpace(f.Search); s != "" {
		clauses = append(clauses, "(a.name LIKE ? OR a.description LIKE ?)")
		like := "%" + s + "%"
		args = append(args, like, like)
	}
	if f.Category != "" {
		clauses = append(clauses, "a.category=?")
		args = append(args, f.Category)
	}
	if f.Status != "" {
		clauses = append(clauses, "a.status=?")
		args = append(args, f.Status)
	}
	sortBy := "created_at"
	if f.SortBy != "" {
		sortBy = f.SortBy
	}
	col, ok := sortColumns[sortBy]
	if !ok {
		return nil, fmt.Errorf("%w: sort_by %q", ErrInvalidQuery, f.SortBy)
	}
	order := "ASC"
	switch strings.ToLower(f.SortOrder) {
	case "", "asc":
	case "desc":
		order = "DESC"
	default:
		return nil, fmt.Errorf("%w: sort_order %q", ErrInvalidQuery, f.SortOrder)
	}
	query := fmt.Sprintf(`SELECT %s%s WHERE %s ORDER BY %s %s, a.id %s`, agentColumns, agentFrom, strings.Join(clauses, " AND "), col, order, order)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanAgents(rows)
}

func (r Repo) ListAllAgents(ctx context.Context) ([]domain.Agent, error) {
	return r.ListAgents(ctx, AgentQuery{})
}

// AgentsByOwner lists the datasets uploaded by an address.
func (r Repo) AgentsByOwner(ctx context.Context, address string) ([]domain.Agent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+agentFrom+` WHERE u.address=? ORDER BY a.created_at DESC, a.id DESC`, address)
	if err != nil {
		return nil, err
	}
	return scanAgents(rows)
}

// DatasetStats sums prices exactly in Go since prices are stored as text.
func (r Repo) DatasetStats(ctx context.Context) (domain.DatasetStats, error) {
	var stats domain.DatasetStats
	rows, err := r.DB.QueryContext(ctx, `SELECT price, dataset_size FROM agents`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			price decimal.Decimal
			size  int64
		)
		if err := rows.Scan(&price, &size); err != nil {
			return stats, err
		}
		stats.TotalCount++
		stats.TotalPrice = stats.TotalPrice.Add(price)
		stats.TotalSize += size
	}
	return stats, rows.Err()
}
