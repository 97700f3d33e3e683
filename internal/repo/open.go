package repo

import (
	"context"
	"fmt"

	"flanes/internal/cas"
	"flanes/internal/ledger"
)

// BackendConfig selects and parameterizes the CAS/ledger backend pair, the
// way the teacher's storage driver switch does for a single store.
type BackendConfig struct {
	Driver      cas.Driver // memory, sqlite, postgres
	SQLitePath  string     // .state/store.db
	SQLiteBlobs string     // .state/blobs
	PostgresDSN string
	Limits      cas.Limits
}

// OpenBackend constructs a matching CAS store and ledger for driver, sharing
// the underlying connection when both are backed by the same SQL engine —
// sqlite's Store and Ledger each open their own *sql.DB against the same
// file, and postgres's each open their own pool against the same DSN, since
// neither backend's constructor accepts an externally supplied handle; what
// is shared is the single on-disk/network resource, not a Go-level object.
func OpenBackend(ctx context.Context, cfg BackendConfig) (cas.Store, ledger.Ledger, error) {
	switch cfg.Driver {
	case cas.DriverMemory, "":
		return cas.NewMemoryStore(cfg.Limits), ledger.NewMemoryLedger(), nil
	case cas.DriverSQLite:
		store, err := cas.OpenSQLiteStore(cfg.SQLitePath, cfg.SQLiteBlobs, cfg.Limits)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite cas: %w", err)
		}
		led, err := ledger.OpenSQLiteLedger(cfg.SQLitePath)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		return store, led, nil
	case cas.DriverPostgres:
		store, err := cas.OpenPostgresStore(ctx, cfg.PostgresDSN, cfg.Limits)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres cas: %w", err)
		}
		led, err := ledger.OpenPostgresLedger(ctx, cfg.PostgresDSN)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("open postgres ledger: %w", err)
		}
		return store, led, nil
	default:
		return nil, nil, fmt.Errorf("unknown cas driver %q", cfg.Driver)
	}
}
