package storage

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/marcboeker/go-duckdb/v2"
)

// Supported storage drivers.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverDuckDB   = "duckdb"
	DriverMemory   = "memory"
)

// Value columns share one exact numeric type so prices survive round trips.
const decimalType = "DECIMAL(38,12)"

var valueColumns = []string{"open", "high", "low", "close", "volume"}

func init() {
	// DuckDB accepts '?' placeholders; sqlx does not know the driver name.
	sqlx.BindDriver("duckdb", sqlx.QUESTION)
}

// Dialect captures the SQL differences between the supported databases.
type Dialect interface {
	// Name is the configuration name of the dialect.
	Name() string

	// DriverName is the database/sql driver to open.
	DriverName() string

	// CreateTable returns the statements that create table if it is missing.
	CreateTable(table string) []string

	// UpsertQuery returns a sqlx named statement inserting one candle that
	// overwrites value columns on a duplicate start_timestamp. sqlx expands
	// its VALUES group for batches.
	UpsertQuery(table string) string

	// AsText casts a DECIMAL column to text so it scans into decimal.Decimal
	// without going through float64.
	AsText(column string) string
}

// DialectFor returns the dialect for a driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverMySQL:
		return mysqlDialect{}, nil
	case DriverPostgres:
		return postgresDialect{}, nil
	case DriverDuckDB:
		return duckdbDialect{}, nil
	default:
		return nil, fmt.Errorf("unsupported SQL driver %q", driver)
	}
}

// ConnectionConfig is the subset of storage configuration needed to build a DSN.
type ConnectionConfig struct {
	Driver   string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	// DSN overrides every other field when set.
	DSN string
	// Path is the DuckDB database file or ":memory:".
	Path string
	// Params are appended to the MySQL/PostgreSQL DSN.
	Params map[string]string
}

// BuildDSN renders the driver-specific connection string.
func BuildDSN(cfg ConnectionConfig) (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}

	switch cfg.Driver {
	case DriverMySQL:
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
		mc.DBName = cfg.Database
		mc.ParseTime = true
		mc.Loc = time.UTC
		mc.Params = map[string]string{"charset": "utf8mb4", "time_zone": "'+00:00'"}
		for k, v := range cfg.Params {
			mc.Params[k] = v
		}
		return mc.FormatDSN(), nil

	case DriverPostgres:
		q := url.Values{}
		q.Set("sslmode", "disable")
		q.Set("timezone", "UTC")
		for k, v := range cfg.Params {
			q.Set(k, v)
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.User, cfg.Password),
			Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Path:     "/" + cfg.Database,
			RawQuery: q.Encode(),
		}
		return u.String(), nil

	case DriverDuckDB:
		if cfg.Path == "" {
			return "", fmt.Errorf("duckdb requires a database path")
		}
		return cfg.Path, nil

	default:
		return "", fmt.Errorf("unsupported SQL driver %q", cfg.Driver)
	}
}

type mysqlDialect struct{}

func (mysqlDialect) Name() string       { return DriverMySQL }
func (mysqlDialect) DriverName() string { return "mysql" }

func (mysqlDialect) CreateTable(table string) []string {
	return []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		start_timestamp DATETIME NOT NULL,
		open %[2]s NOT NULL,
		high %[2]s NOT NULL,
		low %[2]s NOT NULL,
		close %[2]s NOT NULL,
		volume %[2]s NOT NULL,
		UNIQUE KEY uq_%[1]s_start_timestamp (start_timestamp)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`, table, decimalType)}
}

func (mysqlDialect) UpsertQuery(table string) string {
	updates := make([]string, len(valueColumns))
	for i, c := range valueColumns {
		updates[i] = fmt.Sprintf("%s = VALUES(%s)", c, c)
	}
	return fmt.Sprintf(`INSERT INTO %s (start_timestamp, open, high, low, close, volume)
		VALUES (:start_timestamp, :open, :high, :low, :close, :volume)
		ON DUPLICATE KEY UPDATE %s`, table, strings.Join(updates, ", "))
}

func (mysqlDialect) AsText(column string) string {
	return fmt.Sprintf("CAST(%s AS CHAR)", column)
}

type postgresDialect struct{}

func (postgresDialect) Name() string       { return DriverPostgres }
func (postgresDialect) DriverName() string { return "pgx" }

func (postgresDialect) CreateTable(table string) []string {
	return []string{fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		start_timestamp TIMESTAMPTZ NOT NULL UNIQUE,
		open %[2]s NOT NULL,
		high %[2]s NOT NULL,
		low %[2]s NOT NULL,
		close %[2]s NOT NULL,
		volume %[2]s NOT NULL
	)`, table, decimalType)}
}

func (postgresDialect) UpsertQuery(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (start_timestamp, open, high, low, close, volume)
		VALUES (:start_timestamp, :open, :high, :low, :close, :volume)
		ON CONFLICT (start_timestamp) DO UPDATE SET %s`, table, excludedUpdates())
}

func (postgresDialect) AsText(column string) string {
	return fmt.Sprintf("CAST(%s AS TEXT)", column)
}

type duckdbDialect struct{}

func (duckdbDialect) Name() string       { return DriverDuckDB }
func (duckdbDialect) DriverName() string { return "duckdb" }

func (duckdbDialect) CreateTable(table string) []string {
	return []string{
		fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS seq_%s_id START 1", table),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
		id BIGINT PRIMARY KEY DEFAULT nextval('seq_%[1]s_id'),
		start_timestamp TIMESTAMP NOT NULL UNIQUE,
		open %[2]s NOT NULL,
		high %[2]s NOT NULL,
		low %[2]s NOT NULL,
		close %[2]s NOT NULL,
		volume %[2]s NOT NULL
	)`, table, decimalType),
	}
}

// UpsertQuery binds value columns as VARCHAR; DuckDB casts them to DECIMAL on
// insert without a float round trip.
func (duckdbDialect) UpsertQuery(table string) string {
	return fmt.Sprintf(`INSERT INTO %s (start_timestamp, open, high, low, close, volume)
		VALUES (:start_timestamp, CAST(:open AS VARCHAR), CAST(:high AS VARCHAR), CAST(:low AS VARCHAR), CAST(:close AS VARCHAR), CAST(:volume AS VARCHAR))
		ON CONFLICT (start_timestamp) DO UPDATE SET %s`, table, excludedUpdates())
}

func (duckdbDialect) AsText(column string) string {
	return fmt.Sprintf("CAST(%s AS VARCHAR)", column)
}

func excludedUpdates() string {
	updates := make([]string, len(valueColumns))
	for i, c := range valueColumns {
		updates[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
	}
	return strings.Join(updates, ", ")
}
