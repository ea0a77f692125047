package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aurora-admin/aurora/pkg/types"
)

// Rows are JSONB documents keyed by id, so both store implementations
// round-trip the same encoding. Uniqueness lives in partial indexes:
// postgres enforces what the embedded store checks by scanning.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS servers (id TEXT PRIMARY KEY, data JSONB NOT NULL);
CREATE UNIQUE INDEX IF NOT EXISTS servers_active_endpoint
    ON servers ((data->>'host'), (data->>'port'))
    WHERE (data->>'is_active')::boolean;

CREATE TABLE IF NOT EXISTS ports (id TEXT PRIMARY KEY, data JSONB NOT NULL);
CREATE UNIQUE INDEX IF NOT EXISTS ports_active_num
    ON ports ((data->>'server_id'), (data->>'num'))
    WHERE (data->>'is_active')::boolean;

CREATE TABLE IF NOT EXISTS rules (id TEXT PRIMARY KEY, data JSONB NOT NULL);
CREATE UNIQUE INDEX IF NOT EXISTS rules_port ON rules ((data->>'port_id'));

CREATE TABLE IF NOT EXISTS usages (port_id TEXT PRIMARY KEY, data JSONB NOT NULL);

CREATE TABLE IF NOT EXISTS users (id TEXT PRIMARY KEY, data JSONB NOT NULL);
CREATE UNIQUE INDEX IF NOT EXISTS users_email ON users ((data->>'email'));

CREATE TABLE IF NOT EXISTS server_users (
    server_id TEXT NOT NULL,
    user_id   TEXT NOT NULL,
    data      JSONB NOT NULL,
    PRIMARY KEY (server_id, user_id)
);

CREATE TABLE IF NOT EXISTS port_users (
    port_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    data    JSONB NOT NULL,
    PRIMARY KEY (port_id, user_id)
);

CREATE TABLE IF NOT EXISTS files (id TEXT PRIMARY KEY, data JSONB NOT NULL);
`

// conflictDetail maps a violated index to the ConflictError it stands
// for.
var conflictDetail = map[string]string{
	"servers_active_endpoint": "server endpoint already registered",
	"ports_active_num":        "port number already exists on server",
	"rules_port":              "port already has a rule",
	"users_email":             "email already registered",
}

// PostgresStore implements Store on a pgx connection pool. Selected
// over the embedded store when DATABASE_URL is set.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, verifies the database is reachable and
// bootstraps the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// asConflict rewrites a unique violation into the store's ConflictError
func asConflict(err error, resource string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		detail := conflictDetail[pgErr.ConstraintName]
		if detail == "" {
			detail = pgErr.ConstraintName
		}
		return &ConflictError{Resource: resource, Detail: detail}
	}
	return err
}

// upsertDoc writes a document row, translating unique violations
func (s *PostgresStore) upsertDoc(table, id string, v interface{}, resource string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(
		`INSERT INTO %s (id, data) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`, table)
	if _, err := s.pool.Exec(context.Background(), query, id, data); err != nil {
		return asConflict(err, resource)
	}
	return nil
}

// updateDoc replaces an existing document row; a missing row is
// ErrNotFound
func (s *PostgresStore) updateDoc(table, id string, v interface{}, what string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET data = $2 WHERE id = $1`, table)
	tag, err := s.pool.Exec(context.Background(), query, id, data)
	if err != nil {
		return asConflict(err, table)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// getDoc scans one document row into v; no rows is ErrNotFound
func (s *PostgresStore) getDoc(query, what string, v interface{}, args ...interface{}) error {
	var data []byte
	err := s.pool.QueryRow(context.Background(), query, args...).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// forEachDoc streams matching document rows through fn
func (s *PostgresStore) forEachDoc(query string, fn func(data []byte) error, args ...interface{}) error {
	rows, err := s.pool.Query(context.Background(), query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return err
		}
		if err := fn(data); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) deleteDoc(table, id string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, table)
	_, err := s.pool.Exec(context.Background(), query, id)
	return err
}

// Server operations

func (s *PostgresStore) CreateServer(server *types.Server) error {
	return s.upsertDoc("servers", server.ID, server, "server")
}

func (s *PostgresStore) GetServer(id string) (*types.Server, error) {
	var server types.Server
	err := s.getDoc(`SELECT data FROM servers WHERE id = $1`,
		fmt.Sprintf("server %s", id), &server, id)
	if err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *PostgresStore) ListServers() ([]*types.Server, error) {
	var servers []*types.Server
	err := s.forEachDoc(`SELECT data FROM servers ORDER BY data->>'created_at'`, func(data []byte) error {
		var server types.Server
		if err := json.Unmarshal(data, &server); err != nil {
			return err
		}
		servers = append(servers, &server)
		return nil
	})
	return servers, err
}

func (s *PostgresStore) UpdateServer(server *types.Server) error {
	server.UpdatedAt = time.Now().UTC()
	return s.updateDoc("servers", server.ID, server, fmt.Sprintf("server %s", server.ID))
}

func (s *PostgresStore) DeleteServer(id string) error {
	return s.deleteDoc("servers", id)
}

// Port operations

func (s *PostgresStore) CreatePort(port *types.Port) error {
	return s.upsertDoc("ports", port.ID, port, "port")
}

func (s *PostgresStore) GetPort(id string) (*types.Port, error) {
	var port types.Port
	err := s.getDoc(`SELECT data FROM ports WHERE id = $1`,
		fmt.Sprintf("port %s", id), &port, id)
	if err != nil {
		return nil, err
	}
	return &port, nil
}

func (s *PostgresStore) GetPortByNum(serverID string, num int) (*types.Port, error) {
	var port types.Port
	err := s.getDoc(
		`SELECT data FROM ports
		 WHERE data->>'server_id' = $1 AND (data->>'num')::int = $2
		 ORDER BY data->>'created_at' DESC LIMIT 1`,
		fmt.Sprintf("port %d on server %s", num, serverID), &port, serverID, num)
	if err != nil {
		return nil, err
	}
	return &port, nil
}

func (s *PostgresStore) ListPorts(serverID string) ([]*types.Port, error) {
	var ports []*types.Port
	err := s.forEachDoc(
		`SELECT data FROM ports WHERE data->>'server_id' = $1 ORDER BY (data->>'num')::int`,
		func(data []byte) error {
			var port types.Port
			if err := json.Unmarshal(data, &port); err != nil {
				return err
			}
			ports = append(ports, &port)
			return nil
		}, serverID)
	return ports, err
}

func (s *PostgresStore) ListActivePorts() ([]*types.Port, error) {
	var ports []*types.Port
	err := s.forEachDoc(
		`SELECT data FROM ports WHERE (data->>'is_active')::boolean ORDER BY (data->>'num')::int`,
		func(data []byte) error {
			var port types.Port
			if err := json.Unmarshal(data, &port); err != nil {
				return err
			}
			ports = append(ports, &port)
			return nil
		})
	return ports, err
}

func (s *PostgresStore) UpdatePort(port *types.Port) error {
	port.UpdatedAt = time.Now().UTC()
	return s.updateDoc("ports", port.ID, port, fmt.Sprintf("port %s", port.ID))
}

func (s *PostgresStore) DeletePort(id string) error {
	return s.deleteDoc("ports", id)
}

// Rule operations

func (s *PostgresStore) CreateRule(rule *types.ForwardRule) error {
	return s.upsertDoc("rules", rule.ID, rule, "rule")
}

func (s *PostgresStore) GetRule(id string) (*types.ForwardRule, error) {
	var rule types.ForwardRule
	err := s.getDoc(`SELECT data FROM rules WHERE id = $1`,
		fmt.Sprintf("rule %s", id), &rule, id)
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *PostgresStore) GetRuleByPort(portID string) (*types.ForwardRule, error) {
	var rule types.ForwardRule
	err := s.getDoc(`SELECT data FROM rules WHERE data->>'port_id' = $1`,
		fmt.Sprintf("rule for port %s", portID), &rule, portID)
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *PostgresStore) ListRules() ([]*types.ForwardRule, error) {
	var rules []*types.ForwardRule
	err := s.forEachDoc(`SELECT data FROM rules ORDER BY data->>'created_at'`, func(data []byte) error {
		var rule types.ForwardRule
		if err := json.Unmarshal(data, &rule); err != nil {
			return err
		}
		rules = append(rules, &rule)
		return nil
	})
	return rules, err
}

func (s *PostgresStore) ListRulesByMethod(method types.Method) ([]*types.ForwardRule, error) {
	var rules []*types.ForwardRule
	err := s.forEachDoc(`SELECT data FROM rules WHERE data->>'method' = $1`, func(data []byte) error {
		var rule types.ForwardRule
		if err := json.Unmarshal(data, &rule); err != nil {
			return err
		}
		rules = append(rules, &rule)
		return nil
	}, string(method))
	return rules, err
}

func (s *PostgresStore) UpdateRule(rule *types.ForwardRule) error {
	rule.UpdatedAt = time.Now().UTC()
	return s.updateDoc("rules", rule.ID, rule, fmt.Sprintf("rule %s", rule.ID))
}

// SetRuleStatus writes the new status unless it would regress a rule
// that already reached "running" back to "starting". The row is read
// under lock so concurrent plan finishes serialize.
func (s *PostgresStore) SetRuleStatus(id string, status types.RuleStatus) error {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var data []byte
	err = tx.QueryRow(ctx, `SELECT data FROM rules WHERE id = $1 FOR UPDATE`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}

	var rule types.ForwardRule
	if err := json.Unmarshal(data, &rule); err != nil {
		return err
	}
	if status == types.RuleStatusStarting && rule.Status == types.RuleStatusRunning {
		return tx.Commit(ctx)
	}
	rule.Status = status
	rule.UpdatedAt = time.Now().UTC()

	updated, err := json.Marshal(&rule)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `UPDATE rules SET data = $2 WHERE id = $1`, id, updated); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeleteRule(id string) error {
	return s.deleteDoc("rules", id)
}

// Usage operations

func (s *PostgresStore) GetPortUsage(portID string) (*types.PortUsage, error) {
	var usage types.PortUsage
	err := s.getDoc(`SELECT data FROM usages WHERE port_id = $1`,
		fmt.Sprintf("usage for port %s", portID), &usage, portID)
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

// UpdatePortUsage reads the row under lock (zero-initialized when
// missing), applies fn and writes the result inside one transaction,
// so the collector's pass and the reconciler's accumulate hook cannot
// interleave.
func (s *PostgresStore) UpdatePortUsage(portID string, fn func(*types.PortUsage) error) error {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	usage := types.PortUsage{PortID: portID}
	var data []byte
	err = tx.QueryRow(ctx, `SELECT data FROM usages WHERE port_id = $1 FOR UPDATE`, portID).Scan(&data)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if data != nil {
		if err := json.Unmarshal(data, &usage); err != nil {
			return err
		}
	}

	if err := fn(&usage); err != nil {
		return err
	}
	usage.UpdatedAt = time.Now().UTC()

	updated, err := json.Marshal(&usage)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO usages (port_id, data) VALUES ($1, $2)
		 ON CONFLICT (port_id) DO UPDATE SET data = EXCLUDED.data`, portID, updated)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) DeletePortUsage(portID string) error {
	_, err := s.pool.Exec(context.Background(), `DELETE FROM usages WHERE port_id = $1`, portID)
	return err
}

// User operations

func (s *PostgresStore) CreateUser(user *types.User) error {
	return s.upsertDoc("users", user.ID, user, "user")
}

func (s *PostgresStore) GetUser(id string) (*types.User, error) {
	var user types.User
	err := s.getDoc(`SELECT data FROM users WHERE id = $1`,
		fmt.Sprintf("user %s", id), &user, id)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *PostgresStore) GetUserByEmail(email string) (*types.User, error) {
	var user types.User
	err := s.getDoc(`SELECT data FROM users WHERE data->>'email' = $1`,
		fmt.Sprintf("user %s", email), &user, email)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *PostgresStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.forEachDoc(`SELECT data FROM users ORDER BY data->>'email'`, func(data []byte) error {
		var user types.User
		if err := json.Unmarshal(data, &user); err != nil {
			return err
		}
		users = append(users, &user)
		return nil
	})
	return users, err
}

func (s *PostgresStore) UpdateUser(user *types.User) error {
	return s.updateDoc("users", user.ID, user, fmt.Sprintf("user %s", user.ID))
}

// Grant operations

func (s *PostgresStore) PutServerUser(su *types.ServerUser) error {
	data, err := json.Marshal(su)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(context.Background(),
		`INSERT INTO server_users (server_id, user_id, data) VALUES ($1, $2, $3)
		 ON CONFLICT (server_id, user_id) DO UPDATE SET data = EXCLUDED.data`,
		su.ServerID, su.UserID, data)
	return err
}

func (s *PostgresStore) GetServerUser(serverID, userID string) (*types.ServerUser, error) {
	var su types.ServerUser
	err := s.getDoc(`SELECT data FROM server_users WHERE server_id = $1 AND user_id = $2`,
		fmt.Sprintf("server user %s/%s", serverID, userID), &su, serverID, userID)
	if err != nil {
		return nil, err
	}
	return &su, nil
}

func (s *PostgresStore) ListServerUsers(serverID string) ([]*types.ServerUser, error) {
	var grants []*types.ServerUser
	err := s.forEachDoc(`SELECT data FROM server_users WHERE server_id = $1`, func(data []byte) error {
		var su types.ServerUser
		if err := json.Unmarshal(data, &su); err != nil {
			return err
		}
		grants = append(grants, &su)
		return nil
	}, serverID)
	return grants, err
}

func (s *PostgresStore) PutPortUser(pu *types.PortUser) error {
	data, err := json.Marshal(pu)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(context.Background(),
		`INSERT INTO port_users (port_id, user_id, data) VALUES ($1, $2, $3)
		 ON CONFLICT (port_id, user_id) DO UPDATE SET data = EXCLUDED.data`,
		pu.PortID, pu.UserID, data)
	return err
}

func (s *PostgresStore) ListPortUsers(portID string) ([]*types.PortUser, error) {
	var grants []*types.PortUser
	err := s.forEachDoc(`SELECT data FROM port_users WHERE port_id = $1`, func(data []byte) error {
		var pu types.PortUser
		if err := json.Unmarshal(data, &pu); err != nil {
			return err
		}
		grants = append(grants, &pu)
		return nil
	}, portID)
	return grants, err
}

// ListUserPorts returns the ports on a server a user is permitted to use
func (s *PostgresStore) ListUserPorts(serverID, userID string) ([]*types.Port, error) {
	var ports []*types.Port
	err := s.forEachDoc(
		`SELECT p.data FROM ports p
		 JOIN port_users pu ON pu.port_id = p.id
		 WHERE p.data->>'server_id' = $1 AND pu.user_id = $2
		 ORDER BY (p.data->>'num')::int`,
		func(data []byte) error {
			var port types.Port
			if err := json.Unmarshal(data, &port); err != nil {
				return err
			}
			ports = append(ports, &port)
			return nil
		}, serverID, userID)
	return ports, err
}

// File operations

func (s *PostgresStore) CreateFile(file *types.File) error {
	return s.upsertDoc("files", file.ID, file, "file")
}

func (s *PostgresStore) GetFile(id string) (*types.File, error) {
	var file types.File
	err := s.getDoc(`SELECT data FROM files WHERE id = $1`,
		fmt.Sprintf("file %s", id), &file, id)
	if err != nil {
		return nil, err
	}
	return &file, nil
}

func (s *PostgresStore) ListFiles() ([]*types.File, error) {
	var files []*types.File
	err := s.forEachDoc(`SELECT data FROM files ORDER BY data->>'created_at'`, func(data []byte) error {
		var file types.File
		if err := json.Unmarshal(data, &file); err != nil {
			return err
		}
		files = append(files, &file)
		return nil
	})
	return files, err
}

func (s *PostgresStore) DeleteFile(id string) error {
	return s.deleteDoc("files", id)
}
