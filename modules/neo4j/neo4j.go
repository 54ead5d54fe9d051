// Package neo4j registers the "neo4j" module, a database driver that lets
// scripts seed and inspect a Neo4j graph with raw Cypher.
package neo4j

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"
	"github.com/rlch/drover"
)

// Name is the module's registry name.
const Name = "neo4j"

// Sentinel errors for the neo4j module.
var (
	// ErrNoURI is returned when init runs without a uri option.
	ErrNoURI = errors.New("neo4j: uri is required")

	// ErrNoTransaction is returned by commit and rollback outside a transaction.
	ErrNoTransaction = errors.New("neo4j: no open transaction")

	// ErrTransactionOpen is returned by begin inside a transaction.
	ErrTransactionOpen = errors.New("neo4j: transaction already open")
)

//nolint:gochecknoinits // Module self-registration pattern
func init() {
	drover.RegisterModule(Name, func(cfg drover.ModuleConfig) (drover.Module, error) {
		return New(Config{
			URI:      cfg.String("uri", ""),
			Username: cfg.String("username", ""),
			Password: cfg.String("password", ""),
			Database: cfg.String("database", ""),
		}), nil
	})
}

// Config holds connection settings.
type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

// Module implements drover.Module for Neo4j. It connects on init.
type Module struct {
	cfg     Config
	driver  neo4j.DriverWithContext
	session neo4j.SessionWithContext
	tx      neo4j.ExplicitTransaction
}

// New creates an unconnected Neo4j module.
func New(cfg Config) *Module {
	return &Module{cfg: cfg}
}

// Name returns the module identifier.
func (m *Module) Name() string { return Name }

// IsInitialized reports whether init has connected.
func (m *Module) IsInitialized() bool { return m.session != nil }

func (m *Module) Operations() map[string]drover.Operation {
	return map[string]drover.Operation{
		drover.OpInit: drover.Lifecycle("init(uri?)", m.connect),
		"query":       drover.Public("query(cypher, params?)", m.query),
		"run":         drover.Public("run(cypher, params?)", m.run),
		"begin":       drover.Public("begin()", m.begin),
		"commit":      drover.Public("commit()", m.commit),
		"rollback":    drover.Public("rollback()", m.rollback),
	}
}

func (m *Module) connect(ctx context.Context, args []any) (any, error) {
	uri, err := drover.OptArg(args, 0, "uri", m.cfg.URI)
	if err != nil {
		return nil, err
	}

	if uri == "" {
		return nil, drover.WrapError(drover.KindInvalidArgument, ErrNoURI)
	}

	if m.session != nil {
		return nil, nil
	}

	auth := neo4j.NoAuth()
	if m.cfg.Username != "" {
		auth = neo4j.BasicAuth(m.cfg.Username, m.cfg.Password, "")
	}

	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, drover.WrapError(drover.KindConnection, fmt.Errorf("neo4j: failed to create driver: %w", err))
	}

	err = driver.VerifyConnectivity(ctx)
	if err != nil {
		_ = driver.Close(ctx)

		return nil, drover.WrapError(drover.KindConnection, fmt.Errorf("neo4j: failed to connect: %w", err))
	}

	sessionCfg := neo4j.SessionConfig{
		AccessMode: neo4j.AccessModeWrite,
	}
	if m.cfg.Database != "" {
		sessionCfg.DatabaseName = m.cfg.Database
	}

	m.driver = driver
	m.session = driver.NewSession(ctx, sessionCfg)

	return nil, nil
}

// runner is what sessions and explicit transactions have in common.
type runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (neo4j.ResultWithContext, error)
}

func (m *Module) target() runner {
	if m.tx != nil {
		return m.tx
	}

	return sessionRunner{m.session}
}

type sessionRunner struct {
	s neo4j.SessionWithContext
}

func (r sessionRunner) Run(ctx context.Context, cypher string, params map[string]any) (neo4j.ResultWithContext, error) {
	return r.s.Run(ctx, cypher, params)
}

func statementArgs(args []any) (string, map[string]any, error) {
	cypher, err := drover.Arg[string](args, 0, "cypher")
	if err != nil {
		return "", nil, err
	}

	params, err := drover.OptArg(args, 1, "params", map[string]any(nil))
	if err != nil {
		return "", nil, err
	}

	return cypher, params, nil
}

// query runs Cypher and returns the rows of the last statement. Nodes and
// relationships are flattened so their properties read as "alias.property".
func (m *Module) query(ctx context.Context, args []any) (any, error) {
	cypher, params, err := statementArgs(args)
	if err != nil {
		return nil, err
	}

	var rows []any

	for _, stmt := range splitStatements(cypher) {
		result, err := m.target().Run(ctx, stmt, params)
		if err != nil {
			return nil, dbError("query execution failed", err)
		}

		records, err := result.Collect(ctx)
		if err != nil {
			return nil, dbError("failed to collect results", err)
		}

		rows = make([]any, len(records))
		for i, record := range records {
			rows[i] = flattenRecord(record.Keys, record.Values)
		}
	}

	return rows, nil
}

// run executes write Cypher and returns the update counters summed across
// statements.
func (m *Module) run(ctx context.Context, args []any) (any, error) {
	cypher, params, err := statementArgs(args)
	if err != nil {
		return nil, err
	}

	counts := map[string]any{}

	add := func(key string, n int) {
		prev, _ := counts[key].(int)
		counts[key] = prev + n
	}

	for _, stmt := range splitStatements(cypher) {
		result, err := m.target().Run(ctx, stmt, params)
		if err != nil {
			return nil, dbError("query execution failed", err)
		}

		summary, err := result.Consume(ctx)
		if err != nil {
			return nil, dbError("failed to consume results", err)
		}

		c := summary.Counters()
		add("nodesCreated", c.NodesCreated())
		add("nodesDeleted", c.NodesDeleted())
		add("relationshipsCreated", c.RelationshipsCreated())
		add("relationshipsDeleted", c.RelationshipsDeleted())
		add("propertiesSet", c.PropertiesSet())
	}

	return counts, nil
}

func (m *Module) begin(ctx context.Context, _ []any) (any, error) {
	if m.tx != nil {
		return nil, drover.WrapError(drover.KindDB, ErrTransactionOpen)
	}

	tx, err := m.session.BeginTransaction(ctx)
	if err != nil {
		return nil, dbError("failed to begin transaction", err)
	}

	m.tx = tx

	return nil, nil
}

func (m *Module) commit(ctx context.Context, _ []any) (any, error) {
	return nil, m.endTx(ctx, neo4j.ExplicitTransaction.Commit)
}

func (m *Module) rollback(ctx context.Context, _ []any) (any, error) {
	return nil, m.endTx(ctx, neo4j.ExplicitTransaction.Rollback)
}

func (m *Module) endTx(ctx context.Context, fn func(neo4j.ExplicitTransaction, context.Context) error) error {
	if m.tx == nil {
		return drover.WrapError(drover.KindDB, ErrNoTransaction)
	}

	tx := m.tx
	m.tx = nil

	err := fn(tx, ctx)
	if err != nil {
		return dbError("failed to end transaction", err)
	}

	return nil
}

// Dispose rolls back any open transaction and releases the connection.
func (m *Module) Dispose(ctx context.Context) error {
	var errs []error

	if m.tx != nil {
		errs = append(errs, m.tx.Rollback(ctx))
		m.tx = nil
	}

	if m.session != nil {
		err := m.session.Close(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("neo4j: failed to close session: %w", err))
		}

		m.session = nil
	}

	if m.driver != nil {
		err := m.driver.Close(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("neo4j: failed to close driver: %w", err))
		}

		m.driver = nil
	}

	return errors.Join(errs...)
}

func dbError(what string, err error) error {
	return drover.WrapError(drover.KindDB, fmt.Errorf("neo4j: %s: %w", what, err))
}

// splitStatements splits a multi-statement query into individual statements.
// A new statement starts at a line opening with a starter keyword (MATCH,
// CREATE, MERGE, ...) once the accumulated text looks complete: it has a
// RETURN, or it is a write following a read and the next line reads again.
func splitStatements(query string) []string {
	lines := strings.Split(strings.TrimSpace(query), "\n")

	var statements []string

	var current strings.Builder

	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			statements = append(statements, stmt)
		}

		current.Reset()
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if isStarter(trimmed) && current.Len() > 0 && isComplete(current.String(), trimmed) {
			flush()
		}

		if current.Len() > 0 {
			current.WriteString("\n")
		}

		current.WriteString(line)
	}

	flush()

	return statements
}

var (
	starterKeywords = []string{"MATCH", "CREATE", "MERGE", "DETACH", "OPTIONAL", "CALL", "UNWIND", "FOREACH"}
	writeKeywords   = []string{"CREATE", "MERGE", "DELETE", "DETACH DELETE", "SET", "REMOVE"}
)

func isStarter(s string) bool {
	upper := strings.ToUpper(s)
	for _, kw := range starterKeywords {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}

	return false
}

func isComplete(s, next string) bool {
	upper := strings.ToUpper(s)
	nextUpper := strings.ToUpper(strings.TrimSpace(next))

	if strings.Contains(upper, "RETURN ") || strings.HasSuffix(upper, "RETURN") {
		return true
	}

	// CREATE/MERGE may share bindings with what came before.
	if strings.HasPrefix(nextUpper, "CREATE") || strings.HasPrefix(nextUpper, "MERGE") {
		return false
	}

	startsWithRead := strings.HasPrefix(upper, "MATCH") || strings.HasPrefix(upper, "OPTIONAL")
	if startsWithRead && strings.HasPrefix(nextUpper, "MATCH") {
		for _, kw := range writeKeywords {
			if strings.Contains(upper, kw) {
				return true
			}
		}
	}

	return false
}

// flattenRecord converts a Neo4j record into a flat map.
func flattenRecord(keys []string, values []any) map[string]any {
	out := make(map[string]any)

	for i, key := range keys {
		flattenValue(out, key, values[i])
	}

	return out
}

func flattenValue(out map[string]any, key string, value any) {
	switch v := value.(type) {
	case dbtype.Node:
		for prop, propVal := range v.Props {
			out[key+"."+prop] = propVal
		}

		out[key+".labels"] = v.Labels
		out[key+".elementId"] = v.ElementId

	case dbtype.Relationship:
		for prop, propVal := range v.Props {
			out[key+"."+prop] = propVal
		}

		out[key+".type"] = v.Type
		out[key+".elementId"] = v.ElementId

	case dbtype.Path:
		out[key+".nodes"] = v.Nodes
		out[key+".relationships"] = v.Relationships

	case map[string]any:
		for k, val := range v {
			out[key+"."+k] = val
		}

	default:
		out[key] = v
	}
}

// Compile-time interface checks.
var (
	_ drover.Module   = (*Module)(nil)
	_ drover.Disposer = (*Module)(nil)
)
