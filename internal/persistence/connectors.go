package persistence

import (
	"context"
	"database/sql"
	"time"
)

// ConnectorTransport is the transport kind for a connector config. The
// plug-in connector registry that consults these by name is out of scope;
// the store only persists and serves them.
type ConnectorTransport string

const (
	ConnectorPipe ConnectorTransport = "pipe"
	ConnectorHTTP ConnectorTransport = "http"
)

type Connector struct {
	Name       string             `json:"name"`
	RoleScope  string             `json:"role_scope,omitempty"`
	Transport  ConnectorTransport `json:"transport"`
	ConfigBlob string             `json:"config_blob"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// UpsertConnector merges a connector config with built-in defaults: inserts
// if absent, otherwise overwrites the transport/config/role fields.
func (s *Store) UpsertConnector(ctx context.Context, c *Connector) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO connectors (name, role_scope, transport, config_blob) VALUES (?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET role_scope = excluded.role_scope, transport = excluded.transport,
				config_blob = excluded.config_blob, updated_at = CURRENT_TIMESTAMP`,
			c.Name, nullIfEmpty(c.RoleScope), string(c.Transport), c.ConfigBlob)
		return err
	})
}

func (s *Store) GetConnector(ctx context.Context, name string) (*Connector, error) {
	row := s.db.QueryRowContext(ctx, `SELECT name, role_scope, transport, config_blob, created_at, updated_at FROM connectors WHERE name = ?`, name)
	var c Connector
	var role sql.NullString
	var transport string
	if err := row.Scan(&c.Name, &role, &transport, &c.ConfigBlob, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.RoleScope = role.String
	c.Transport = ConnectorTransport(transport)
	return &c, nil
}

func (s *Store) ListConnectors(ctx context.Context) ([]*Connector, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, role_scope, transport, config_blob, created_at, updated_at FROM connectors ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Connector
	for rows.Next() {
		var c Connector
		var role sql.NullString
		var transport string
		if err := rows.Scan(&c.Name, &role, &transport, &c.ConfigBlob, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.RoleScope = role.String
		c.Transport = ConnectorTransport(transport)
		out = append(out, &c)
	}
	return out, rows.Err()
}
