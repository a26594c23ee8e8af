// Package cypher expands the neighbourhood of configuration items in a
// Neo4j or Memgraph graph.
package cypher

import (
	"context"
	"fmt"

	"github.com/aescanero/opsquery/pkg/adapters/tools"
	"github.com/aescanero/opsquery/pkg/domain"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// Record is one result row
type Record map[string]any

// Runner runs a read query
type Runner interface {
	Run(ctx context.Context, query string, params map[string]any) ([]Record, error)
}

// Config holds graph database connection settings
type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

// Neo4jRunner implements Runner with the Neo4j driver
type Neo4jRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4jRunner creates a driver. Connectivity is not checked here; see Ping.
func NewNeo4jRunner(cfg Config) (*Neo4jRunner, error) {
	var auth neo4j.AuthToken
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	} else {
		auth = neo4j.NoAuth()
	}

	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create driver: %w", err)
	}

	return &Neo4jRunner{driver: driver, database: cfg.Database}, nil
}

// Run executes query in a read session and collects every record
func (n *Neo4jRunner) Run(ctx context.Context, query string, params map[string]any) ([]Record, error) {
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: n.database,
	})
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}

	var records []Record
	for result.Next(ctx) {
		rec := result.Record()
		record := make(Record, len(rec.Keys))
		for _, key := range rec.Keys {
			val, _ := rec.Get(key)
			record[key] = val
		}
		records = append(records, record)
	}

	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("result iteration failed: %w", err)
	}

	return records, nil
}

// Ping checks database connectivity
func (n *Neo4jRunner) Ping(ctx context.Context) error {
	return n.driver.VerifyConnectivity(ctx)
}

// Close releases the driver
func (n *Neo4jRunner) Close(ctx context.Context) error {
	return n.driver.Close(ctx)
}

const (
	defaultDepth = 1
	defaultLimit = 200
)

// expandQuery walks up to %d hops from the seed items. The bound is formatted
// in because Cypher does not accept parameters in variable-length patterns.
const expandQuery = `MATCH (s:CI)-[*1..%d]-(n:CI)
WHERE s.id IN $seeds AND ($tenant_id = '' OR n.tenant_id = $tenant_id)
RETURN DISTINCT n.id AS id, n.name AS name, labels(n) AS labels
ORDER BY id
LIMIT $limit`

// GraphTool implements ports.ToolExecutor.
//
// Params: seed_id (string or list), depth (default 1, capped at MaxDepth),
// limit (default 200). Data is {"rows": [...], "seeds": [...], "depth": n}.
type GraphTool struct {
	runner   Runner
	maxDepth int
	logger   *zap.Logger
}

// NewGraphTool creates a graph tool. maxDepth below 1 means 3.
func NewGraphTool(runner Runner, maxDepth int, logger *zap.Logger) *GraphTool {
	if maxDepth < 1 {
		maxDepth = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphTool{runner: runner, maxDepth: maxDepth, logger: logger}
}

// Execute expands the neighbourhood of the seed items
func (g *GraphTool) Execute(ctx context.Context, call domain.ToolCall) (domain.ToolResult, error) {
	seeds, err := tools.StringList(call.Params["seed_id"])
	if err != nil {
		return invalid("seed_id", err), nil
	}
	depth, err := tools.Int(call.Params["depth"], defaultDepth)
	if err != nil || depth < 1 {
		return invalid("depth", err), nil
	}
	if depth > g.maxDepth {
		depth = g.maxDepth
	}
	limit, err := tools.Int(call.Params["limit"], defaultLimit)
	if err != nil || limit < 1 {
		return invalid("limit", err), nil
	}

	if len(seeds) == 0 {
		return domain.ToolResult{
			Success: true,
			Data:    map[string]any{"rows": []any{}, "seeds": []string{}, "depth": depth},
		}, nil
	}

	records, err := g.runner.Run(ctx, fmt.Sprintf(expandQuery, depth), map[string]any{
		"seeds":     seeds,
		"tenant_id": call.Context.TenantID,
		"limit":     limit,
	})
	if err != nil {
		return domain.ToolResult{}, err
	}

	rows := make([]any, 0, len(records))
	for _, rec := range records {
		rows = append(rows, map[string]any(rec))
	}

	g.logger.Debug("graph expanded",
		zap.String("trace_id", call.Context.TraceID),
		zap.Strings("seeds", seeds),
		zap.Int("depth", depth),
		zap.Int("rows", len(rows)))

	return domain.ToolResult{
		Success: true,
		Data:    map[string]any{"rows": rows, "seeds": seeds, "depth": depth},
	}, nil
}

func invalid(param string, err error) domain.ToolResult {
	msg := fmt.Sprintf("invalid %s", param)
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	return domain.ToolResult{Success: false, Error: msg}
}
