package external

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
)

// Dialect distinguishes the two PersistentStore SQL backends, since
// Postgres and SQLite use different parameter placeholder syntax.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

// SQLStore is a database/sql-backed PersistentStore. One type serves
// both dialects (lib/pq for production, modernc.org/sqlite for local
// single-node work); only the placeholder syntax and upsert clause
// differ between them.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wires db (already opened with the matching driver) and
// runs the agents/audit_log migration.
func NewSQLStore(db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("external: migration failed: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate() error {
	agentsTable := `
	CREATE TABLE IF NOT EXISTS agents (
		internal_id TEXT PRIMARY KEY,
		external_id TEXT NOT NULL,
		owning_node_id TEXT,
		state TEXT,
		document JSON
	);`
	auditTable := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		insertion_seq INTEGER,
		actor_id TEXT,
		created_at TEXT,
		document JSON
	);`
	for _, stmt := range []string{agentsTable, auditTable} {
		if _, err := s.db.ExecContext(context.Background(), stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) placeholder(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) UpsertAgent(ctx context.Context, agent contracts.AgentEntry) error {
	doc, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("external: marshal agent: %w", err)
	}

	var query string
	if s.dialect == DialectPostgres {
		query = `
		INSERT INTO agents (internal_id, external_id, owning_node_id, state, document)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (internal_id) DO UPDATE SET
			external_id = EXCLUDED.external_id,
			owning_node_id = EXCLUDED.owning_node_id,
			state = EXCLUDED.state,
			document = EXCLUDED.document`
	} else {
		query = `
		INSERT INTO agents (internal_id, external_id, owning_node_id, state, document)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (internal_id) DO UPDATE SET
			external_id = excluded.external_id,
			owning_node_id = excluded.owning_node_id,
			state = excluded.state,
			document = excluded.document`
	}

	_, err = s.db.ExecContext(ctx, query, agent.InternalID, agent.ExternalID, agent.OwningNodeID, string(agent.State), string(doc))
	if err != nil {
		return fmt.Errorf("external: upsert agent: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAgent(ctx context.Context, internalID string) (*contracts.AgentEntry, error) {
	query := "SELECT document FROM agents WHERE internal_id = " + s.placeholder(1)
	row := s.db.QueryRowContext(ctx, query, internalID)

	var doc string
	if err := row.Scan(&doc); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("external: no durable record for agent %s", internalID)
		}
		return nil, err
	}
	var agent contracts.AgentEntry
	if err := json.Unmarshal([]byte(doc), &agent); err != nil {
		return nil, fmt.Errorf("external: unmarshal agent: %w", err)
	}
	return &agent, nil
}

func (s *SQLStore) ListAgentsByNode(ctx context.Context, nodeID string) ([]contracts.AgentEntry, error) {
	query := "SELECT document FROM agents WHERE owning_node_id = " + s.placeholder(1)
	rows, err := s.db.QueryContext(ctx, query, nodeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.AgentEntry
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var agent contracts.AgentEntry
		if err := json.Unmarshal([]byte(doc), &agent); err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteAgent(ctx context.Context, internalID string) error {
	query := "DELETE FROM agents WHERE internal_id = " + s.placeholder(1)
	_, err := s.db.ExecContext(ctx, query, internalID)
	return err
}

func (s *SQLStore) AppendAudit(ctx context.Context, rec contracts.GatewayAuditRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("external: marshal audit record: %w", err)
	}

	var query string
	if s.dialect == DialectPostgres {
		query = "INSERT INTO audit_log (id, insertion_seq, actor_id, created_at, document) VALUES ($1, $2, $3, $4, $5)"
	} else {
		query = "INSERT INTO audit_log (id, insertion_seq, actor_id, created_at, document) VALUES (?, ?, ?, ?, ?)"
	}
	_, err = s.db.ExecContext(ctx, query, rec.ID, rec.InsertionSeq, rec.ActorID, rec.CreatedAt.Format("2006-01-02T15:04:05.999999999Z07:00"), string(doc))
	if err != nil {
		return fmt.Errorf("external: append audit: %w", err)
	}
	return nil
}

func (s *SQLStore) QueryAudit(ctx context.Context, actorID string, limit int) ([]contracts.GatewayAuditRecord, error) {
	var rows *sql.Rows
	var err error
	if actorID == "" {
		query := "SELECT document FROM audit_log ORDER BY insertion_seq ASC"
		rows, err = s.db.QueryContext(ctx, query)
	} else {
		query := "SELECT document FROM audit_log WHERE actor_id = " + s.placeholder(1) + " ORDER BY insertion_seq ASC"
		rows, err = s.db.QueryContext(ctx, query, actorID)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.GatewayAuditRecord
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var rec contracts.GatewayAuditRecord
		if err := json.Unmarshal([]byte(doc), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
