package source

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/paulmach/orb/geojson"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/geobcdata/agosync/model"
)

// Internal column aliases used when reading geometry alongside
// attributes.
const (
	geomAlias = "__geojson"
	sridAlias = "__srid"
)

// identPattern restricts dataset and field names to plain SQL
// identifiers (optionally schema-qualified), since they are spliced
// into queries.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// PostgresConfig configures the analyst database connection.
type PostgresConfig struct {
	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`

	// GeometryColumn is the PostGIS geometry column read with each
	// dataset. Empty disables geometry reads (attribute-only tables).
	GeometryColumn string `yaml:"geometry_column"`
}

// Postgres is a Tabular over a PostGIS-backed analyst database.
type Postgres struct {
	db     *gorm.DB
	cfg    PostgresConfig
	logger *slog.Logger
}

// OpenPostgres connects to the analyst database.
func OpenPostgres(cfg PostgresConfig, logger *slog.Logger) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("source: database dsn is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	return &Postgres{db: db, cfg: cfg, logger: logger}, nil
}

// Read returns the dataset's rows projected to fields, with geometry
// read through ST_AsGeoJSON when a geometry column is configured.
func (p *Postgres) Read(ctx context.Context, dataset string, fields []string) ([]model.Record, error) {
	if err := checkIdent(dataset); err != nil {
		return nil, err
	}

	selects := make([]string, 0, len(fields)+2)
	if len(fields) == 0 {
		selects = append(selects, "*")
	} else {
		for _, f := range fields {
			if err := checkIdent(f); err != nil {
				return nil, err
			}
			selects = append(selects, quoteIdent(f))
		}
	}
	if p.cfg.GeometryColumn != "" {
		geom := quoteIdent(p.cfg.GeometryColumn)
		selects = append(selects,
			fmt.Sprintf("ST_AsGeoJSON(%s) AS %s", geom, geomAlias),
			fmt.Sprintf("ST_SRID(%s) AS %s", geom, sridAlias),
		)
	}

	var rows []map[string]any
	err := p.db.WithContext(ctx).
		Table(dataset).
		Select(strings.Join(selects, ", ")).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("read dataset %q: %w", dataset, err)
	}

	recs := make([]model.Record, 0, len(rows))
	for i, row := range rows {
		rec := model.Record{Fields: row}
		if raw, ok := row[geomAlias]; ok {
			delete(row, geomAlias)
			if err := attachGeometry(&rec, raw, row[sridAlias]); err != nil {
				return nil, fmt.Errorf("dataset %q row %d: %w", dataset, i, err)
			}
			delete(row, sridAlias)
		}
		if p.cfg.GeometryColumn != "" {
			delete(row, p.cfg.GeometryColumn)
		}
		recs = append(recs, rec)
	}
	p.logger.Debug("read dataset", "dataset", dataset, "rows", len(recs))
	return recs, nil
}

func attachGeometry(rec *model.Record, raw, srid any) error {
	var data []byte
	switch g := raw.(type) {
	case nil:
		return nil
	case string:
		data = []byte(g)
	case []byte:
		data = g
	default:
		return fmt.Errorf("unexpected geometry value of type %T", raw)
	}
	geom, err := geojson.UnmarshalGeometry(data)
	if err != nil {
		return fmt.Errorf("parse geometry: %w", err)
	}
	rec.Geometry = geom.Geometry()
	if n, ok := srid.(int64); ok && n != 0 {
		rec.CRS = fmt.Sprintf("EPSG:%d", n)
	}
	return nil
}

// Write updates the listed fields on the dataset's rows, correlated by
// the business key field, in one transaction.
func (p *Postgres) Write(ctx context.Context, dataset, keyField string, recs []model.Record, fields []string) error {
	if err := checkIdent(dataset); err != nil {
		return err
	}
	if err := checkIdent(keyField); err != nil {
		return err
	}
	for _, f := range fields {
		if err := checkIdent(f); err != nil {
			return err
		}
	}

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i, rec := range recs {
			keyValue, ok := rec.Fields[keyField]
			if !ok || keyValue == nil {
				return fmt.Errorf("write record %d: no value for key field %q", i, keyField)
			}
			updates := make(map[string]any, len(fields))
			for _, f := range fields {
				updates[f] = rec.Fields[f]
			}
			err := tx.Table(dataset).
				Where(quoteIdent(keyField)+" = ?", keyValue).
				Updates(updates).Error
			if err != nil {
				return fmt.Errorf("write record %d: %w", i, err)
			}
		}
		return nil
	})
}

func checkIdent(name string) error {
	if !identPattern.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

func quoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + p + `"`
	}
	return strings.Join(parts, ".")
}
