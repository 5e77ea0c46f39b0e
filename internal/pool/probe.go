package pool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mevdschee/pgdog/internal/topology"
)

// livenessPing checks whether a banned endpoint has come back up before
// the sub-pool spends a real pooled connection slot re-admitting it.
// Grounded on the teacher's connectToBackend/Ping health check
// (postgres/postgres.go), which opened a throwaway database/sql
// connection purely to test reachability; this keeps that split
// between "is the backend alive at all" (lib/pq, short-lived,
// administrative) and "acquire a pooled connection for client traffic"
// (internal/wire's hand-rolled dial, long-lived, multiplexed).
func livenessPing(ctx context.Context, ep topology.Endpoint, creds Credentials, timeout time.Duration) error {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable connect_timeout=%d",
		ep.Host, ep.Port, creds.User, creds.Password, creds.Database, int(timeout.Seconds())+1)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("pool: open probe connection: %w", err)
	}
	defer db.Close()

	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		return fmt.Errorf("pool: probe ping %s:%d: %w", ep.Host, ep.Port, err)
	}
	return nil
}
