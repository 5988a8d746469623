package pool

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pgfleet/pgfleet/internal/config"
)

// BuildConnString builds a PostgreSQL connection string for one node.
func BuildConnString(n config.NodeConfig) string {
	// URL-encode the password to handle special characters.
	escapedPassword := url.QueryEscape(n.Password)

	sslMode := n.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		n.User,
		escapedPassword,
		n.Host,
		n.Port,
		n.Database,
		sslMode,
	)
}

// PostgresDialer returns a Dialer that opens pgconn connections to the
// given node.
func PostgresDialer(n config.NodeConfig) Dialer {
	connStr := BuildConnString(n)
	return func(ctx context.Context) (NetConn, error) {
		conn, err := pgconn.Connect(ctx, connStr)
		if err != nil {
			return nil, fmt.Errorf("connect %s:%d: %w", n.Host, n.Port, err)
		}
		return conn, nil
	}
}
