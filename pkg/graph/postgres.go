package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is the durable graph. Edges cascade-delete with their source
// node at the schema level; business logic itself never deletes.
type PostgresStore struct {
	db *sql.DB
}

const graphSchema = `
CREATE TABLE IF NOT EXISTS nodes (
	node_id       TEXT PRIMARY KEY,
	scope_id      TEXT NOT NULL,
	type          TEXT NOT NULL,
	content       TEXT NOT NULL,
	confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'active',
	source_ref    JSONB,
	metadata      JSONB,
	embedding     JSONB,
	created_by    TEXT NOT NULL DEFAULT '',
	version       INT NOT NULL DEFAULT 1,
	recorded_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	superseded_at TIMESTAMPTZ,
	valid_from    TIMESTAMPTZ,
	valid_to      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS nodes_scope_current_idx
	ON nodes (scope_id, type) WHERE superseded_at IS NULL;

CREATE TABLE IF NOT EXISTS edges (
	edge_id       TEXT PRIMARY KEY,
	scope_id      TEXT NOT NULL,
	source_id     TEXT NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
	target_id     TEXT NOT NULL,
	edge_type     TEXT NOT NULL,
	weight        DOUBLE PRECISION NOT NULL DEFAULT 1,
	metadata      JSONB,
	created_by    TEXT NOT NULL DEFAULT '',
	recorded_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	superseded_at TIMESTAMPTZ,
	valid_from    TIMESTAMPTZ,
	valid_to      TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS edges_scope_idx
	ON edges (scope_id, edge_type) WHERE superseded_at IS NULL;
`

// NewPostgresStore creates the store and ensures its schema.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if _, err := db.ExecContext(ctx, graphSchema); err != nil {
		return nil, fmt.Errorf("graph: ensure schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) AppendNode(ctx context.Context, n *Node) error {
	return insertNode(ctx, s.db, n)
}

func insertNode(ctx context.Context, q querier, n *Node) error {
	if n.RecordedAt.IsZero() {
		n.RecordedAt = time.Now().UTC()
	}
	if n.Version == 0 {
		n.Version = 1
	}
	if n.Status == "" {
		n.Status = StatusActive
	}
	emb, err := embeddingJSON(n.Embedding)
	if err != nil {
		return fmt.Errorf("graph: encode embedding: %w", err)
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO nodes (node_id, scope_id, type, content, confidence, status,
			source_ref, metadata, embedding, created_by, version, recorded_at, valid_from, valid_to)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		n.NodeID, n.ScopeID, n.Type, n.Content, n.Confidence, n.Status,
		nullJSON(n.SourceRef), nullJSON(n.Metadata), emb, n.CreatedBy, n.Version,
		n.RecordedAt, n.ValidFrom, n.ValidTo)
	if err != nil {
		return fmt.Errorf("graph: insert node: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateConfidence(ctx context.Context, nodeID string, confidence float64) error {
	return updateConfidence(ctx, s.db, nodeID, confidence)
}

// updateConfidence enforces the ratchet inside the WHERE clause so the check
// and the write are one statement.
func updateConfidence(ctx context.Context, q querier, nodeID string, confidence float64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE nodes SET confidence = $2, version = version + 1
		WHERE node_id = $1 AND superseded_at IS NULL AND confidence <= $2`,
		nodeID, confidence)
	if err != nil {
		return fmt.Errorf("graph: update confidence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("graph: rows affected: %w", err)
	}
	if n == 0 {
		var one int
		err := q.QueryRowContext(ctx,
			`SELECT 1 FROM nodes WHERE node_id = $1 AND superseded_at IS NULL`, nodeID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNodeNotFound
		}
		if err != nil {
			return fmt.Errorf("graph: check node: %w", err)
		}
		return ErrConfidenceRegression
	}
	return nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, nodeID string, status NodeStatus) error {
	return updateStatus(ctx, s.db, nodeID, status)
}

func updateStatus(ctx context.Context, q querier, nodeID string, status NodeStatus) error {
	res, err := q.ExecContext(ctx, `
		UPDATE nodes SET status = $2, version = version + 1
		WHERE node_id = $1 AND superseded_at IS NULL`,
		nodeID, status)
	if err != nil {
		return fmt.Errorf("graph: update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNodeNotFound
	}
	return nil
}

func (s *PostgresStore) SupersedeNode(ctx context.Context, oldNodeID string, replacement *Node) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("graph: begin: %w", err)
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx, `
		UPDATE nodes SET superseded_at = now()
		WHERE node_id = $1 AND superseded_at IS NULL
		RETURNING version`, oldNodeID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNodeNotFound
	}
	if err != nil {
		return fmt.Errorf("graph: supersede: %w", err)
	}
	replacement.Version = version + 1
	if err := insertNode(ctx, tx, replacement); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("graph: commit: %w", err)
	}
	return nil
}

const nodeColumns = `node_id, scope_id, type, content, confidence, status,
	source_ref, metadata, embedding, created_by, version, recorded_at, superseded_at, valid_from, valid_to`

func (s *PostgresStore) CurrentNodes(ctx context.Context, scope string, types ...NodeType) ([]Node, error) {
	return currentNodes(ctx, s.db, scope, types...)
}

func currentNodes(ctx context.Context, q querier, scope string, types ...NodeType) ([]Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes
		WHERE scope_id = $1 AND superseded_at IS NULL
		AND (valid_to IS NULL OR valid_to > now())`
	args := []any{scope}
	if len(types) > 0 {
		query += ` AND type = ANY($2)`
		args = append(args, pq.Array(typeNames(types)))
	}
	query += ` ORDER BY recorded_at ASC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: current nodes: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (s *PostgresStore) NodesAsOf(ctx context.Context, scope string, asOf AsOf, types ...NodeType) ([]Node, error) {
	validAt := asOf.ValidTime
	if validAt.IsZero() {
		validAt = time.Now().UTC()
	}
	recordedAt := asOf.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}
	query := `SELECT ` + nodeColumns + ` FROM nodes
		WHERE scope_id = $1
		AND recorded_at <= $2
		AND (superseded_at IS NULL OR superseded_at > $2)
		AND (valid_from IS NULL OR valid_from <= $3)
		AND (valid_to IS NULL OR valid_to > $3)`
	args := []any{scope, recordedAt, validAt}
	if len(types) > 0 {
		query += ` AND type = ANY($4)`
		args = append(args, pq.Array(typeNames(types)))
	}
	query += ` ORDER BY recorded_at ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: nodes as of: %w", err)
	}
	defer rows.Close()
	return scanNodes(rows)
}

func (s *PostgresStore) AppendEdge(ctx context.Context, e *Edge) error {
	return insertEdge(ctx, s.db, e)
}

func insertEdge(ctx context.Context, q querier, e *Edge) error {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO edges (edge_id, scope_id, source_id, target_id, edge_type,
			weight, metadata, created_by, recorded_at, valid_from, valid_to)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.EdgeID, e.ScopeID, e.SourceID, e.TargetID, e.EdgeType,
		e.Weight, nullJSON(e.Metadata), e.CreatedBy, e.RecordedAt, e.ValidFrom, e.ValidTo)
	if err != nil {
		return fmt.Errorf("graph: insert edge: %w", err)
	}
	return nil
}

func (s *PostgresStore) CurrentEdges(ctx context.Context, scope string, types ...EdgeType) ([]Edge, error) {
	return currentEdges(ctx, s.db, scope, types...)
}

func currentEdges(ctx context.Context, q querier, scope string, types ...EdgeType) ([]Edge, error) {
	query := `SELECT edge_id, scope_id, source_id, target_id, edge_type, weight,
		metadata, created_by, recorded_at, superseded_at, valid_from, valid_to
		FROM edges WHERE scope_id = $1 AND superseded_at IS NULL`
	args := []any{scope}
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		query += ` AND edge_type = ANY($2)`
		args = append(args, pq.Array(names))
	}
	query += ` ORDER BY recorded_at ASC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("graph: current edges: %w", err)
	}
	defer rows.Close()

	var out []Edge
	for rows.Next() {
		var e Edge
		var metadata sql.NullString
		if err := rows.Scan(&e.EdgeID, &e.ScopeID, &e.SourceID, &e.TargetID, &e.EdgeType,
			&e.Weight, &metadata, &e.CreatedBy, &e.RecordedAt, &e.SupersededAt,
			&e.ValidFrom, &e.ValidTo); err != nil {
			return nil, fmt.Errorf("graph: scan edge: %w", err)
		}
		if metadata.Valid {
			e.Metadata = []byte(metadata.String)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("graph: edge rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) HasResolvesTargeting(ctx context.Context, scope, nodeID string) (bool, error) {
	return hasResolves(ctx, s.db, scope, nodeID)
}

func hasResolves(ctx context.Context, q querier, scope, nodeID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `
		SELECT 1 FROM edges
		WHERE scope_id = $1 AND edge_type = $2 AND target_id = $3 AND superseded_at IS NULL
		LIMIT 1`, scope, EdgeResolves, nodeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("graph: has resolves: %w", err)
	}
	return true, nil
}

// FactsSync runs one extraction round in a single transaction.
func (s *PostgresStore) FactsSync(ctx context.Context, scope, createdBy string, batch FactsBatch) (SyncResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SyncResult{}, fmt.Errorf("graph: begin sync: %w", err)
	}
	defer tx.Rollback()

	res, err := runSync(ctx, &txOps{tx: tx}, scope, createdBy, batch)
	if err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("graph: commit sync: %w", err)
	}
	return res, nil
}

func (s *PostgresStore) Aggregates(ctx context.Context, scope string) (Aggregates, error) {
	nodes, err := s.CurrentNodes(ctx, scope)
	if err != nil {
		return Aggregates{}, err
	}
	edges, err := s.CurrentEdges(ctx, scope)
	if err != nil {
		return Aggregates{}, err
	}
	return computeAggregates(nodes, edges), nil
}

// txOps adapts a transaction to syncOps.
type txOps struct {
	tx *sql.Tx
}

func (o *txOps) factNodes(ctx context.Context, scope string) ([]Node, error) {
	return currentNodes(ctx, o.tx, scope, NodeClaim, NodeGoal, NodeRisk)
}

func (o *txOps) insertNode(ctx context.Context, n *Node) error {
	return insertNode(ctx, o.tx, n)
}

func (o *txOps) setConfidence(ctx context.Context, nodeID string, confidence float64) error {
	return updateConfidence(ctx, o.tx, nodeID, confidence)
}

func (o *txOps) setStatus(ctx context.Context, nodeID string, status NodeStatus) error {
	return updateStatus(ctx, o.tx, nodeID, status)
}

func (o *txOps) insertEdge(ctx context.Context, e *Edge) error {
	return insertEdge(ctx, o.tx, e)
}

func (o *txOps) resolvesTargets(ctx context.Context, scope, nodeID string) (bool, error) {
	return hasResolves(ctx, o.tx, scope, nodeID)
}

func (o *txOps) hasContradiction(ctx context.Context, scope, a, b string) (bool, error) {
	var one int
	err := o.tx.QueryRowContext(ctx, `
		SELECT 1 FROM edges
		WHERE scope_id = $1 AND edge_type = $2 AND superseded_at IS NULL
		AND ((source_id = $3 AND target_id = $4) OR (source_id = $4 AND target_id = $3))
		LIMIT 1`, scope, EdgeContradicts, a, b).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("graph: has contradiction: %w", err)
	}
	return true, nil
}

func scanNodes(rows *sql.Rows) ([]Node, error) {
	var out []Node
	for rows.Next() {
		var n Node
		var sourceRef, metadata, embedding sql.NullString
		if err := rows.Scan(&n.NodeID, &n.ScopeID, &n.Type, &n.Content, &n.Confidence,
			&n.Status, &sourceRef, &metadata, &embedding, &n.CreatedBy, &n.Version,
			&n.RecordedAt, &n.SupersededAt, &n.ValidFrom, &n.ValidTo); err != nil {
			return nil, fmt.Errorf("graph: scan node: %w", err)
		}
		if sourceRef.Valid {
			n.SourceRef = []byte(sourceRef.String)
		}
		if metadata.Valid {
			n.Metadata = []byte(metadata.String)
		}
		if embedding.Valid {
			if err := json.Unmarshal([]byte(embedding.String), &n.Embedding); err != nil {
				return nil, fmt.Errorf("graph: decode embedding: %w", err)
			}
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("graph: node rows: %w", err)
	}
	return out, nil
}

func typeNames(types []NodeType) []string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return names
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// embeddingJSON encodes an embedding vector for the JSONB column; an empty
// vector stores NULL.
func embeddingJSON(v []float32) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

var _ Store = (*PostgresStore)(nil)
