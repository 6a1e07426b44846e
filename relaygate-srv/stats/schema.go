package stats

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/codefionn/relaygate/relaygate-srv/logger"
)

// TableDefinition describes one table and its indexes for a given driver.
type TableDefinition struct {
	Name    string
	Columns []string
	Indexes []string
}

// GetExpectedSchema returns the tables used by the SQL collectors. The
// column types differ per driver only for the primary key.
func GetExpectedSchema(driver string) []TableDefinition {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	timeType := "DATETIME"
	if driver == "postgres" {
		idColumn = "id BIGSERIAL PRIMARY KEY"
		timeType = "TIMESTAMPTZ"
	}

	return []TableDefinition{
		{
			Name: "connections",
			Columns: []string{
				idColumn,
				"connection_uuid TEXT NOT NULL UNIQUE",
				"client_ip TEXT",
				"listener TEXT",
				"started_at " + timeType + " NOT NULL",
				"ended_at " + timeType,
				"bytes_in BIGINT DEFAULT 0",
				"bytes_out BIGINT DEFAULT 0",
				"duration_ms BIGINT DEFAULT 0",
				"close_reason TEXT",
			},
			Indexes: []string{
				"CREATE INDEX IF NOT EXISTS idx_connections_started_at ON connections(started_at)",
				"CREATE INDEX IF NOT EXISTS idx_connections_client_ip ON connections(client_ip)",
			},
		},
		{
			Name: "requests",
			Columns: []string{
				idColumn,
				"connection_uuid TEXT NOT NULL",
				"method TEXT NOT NULL",
				"target TEXT NOT NULL",
				"host TEXT",
				"username TEXT",
				"route TEXT",
				"status_code INTEGER",
				"timestamp " + timeType + " NOT NULL",
			},
			Indexes: []string{
				"CREATE INDEX IF NOT EXISTS idx_requests_connection ON requests(connection_uuid)",
				"CREATE INDEX IF NOT EXISTS idx_requests_host ON requests(host)",
			},
		},
		{
			Name: "policy_decisions",
			Columns: []string{
				idColumn,
				"connection_uuid TEXT",
				"client_ip TEXT",
				"stage TEXT NOT NULL",
				"action TEXT NOT NULL",
				"target TEXT",
				"reason TEXT",
				"timestamp " + timeType + " NOT NULL",
			},
			Indexes: []string{
				"CREATE INDEX IF NOT EXISTS idx_policy_decisions_stage ON policy_decisions(stage, action)",
			},
		},
		{
			Name: "errors",
			Columns: []string{
				idColumn,
				"connection_uuid TEXT",
				"kind TEXT NOT NULL",
				"message TEXT",
				"timestamp " + timeType + " NOT NULL",
			},
			Indexes: []string{
				"CREATE INDEX IF NOT EXISTS idx_errors_kind ON errors(kind)",
			},
		},
	}
}

// SchemaInitializer creates the collector tables if they do not exist yet.
type SchemaInitializer struct {
	db     *sql.DB
	driver string
	tables []TableDefinition
}

// NewSchemaInitializer creates a new schema initializer
func NewSchemaInitializer(db *sql.DB, driver string) *SchemaInitializer {
	return &SchemaInitializer{
		db:     db,
		driver: driver,
		tables: GetExpectedSchema(driver),
	}
}

// InitializeSchema creates all tables and indexes.
func (si *SchemaInitializer) InitializeSchema() error {
	logger.Debug("Initializing database schema (driver: %s)", si.driver)

	for _, table := range si.tables {
		if _, err := si.db.Exec(table.CreateStatement()); err != nil {
			return fmt.Errorf("failed to create table %s: %w", table.Name, err)
		}
		for _, index := range table.Indexes {
			if _, err := si.db.Exec(index); err != nil {
				return fmt.Errorf("failed to create index on %s: %w", table.Name, err)
			}
		}
	}

	logger.Info("Database schema initialization completed (%d tables)", len(si.tables))
	return nil
}

// CreateStatement renders the CREATE TABLE statement.
func (t TableDefinition) CreateStatement() string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", t.Name, strings.Join(t.Columns, ",\n\t"))
}
