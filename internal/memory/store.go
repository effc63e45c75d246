package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

// GraphStore persists semantic facts to Neo4j as a provenance graph:
// (Fact)-[:DERIVED_FROM]->(Episode) and (Fact)-[:CONSOLIDATED_BY]->(Consolidation).
type GraphStore struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewGraphStore creates a new Neo4j fact store.
func NewGraphStore(uri, user, password string, logger *zap.Logger) (*GraphStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &GraphStore{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (s *GraphStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (s *GraphStore) Ping(ctx context.Context) error {
	return s.driver.VerifyConnectivity(ctx)
}

// EnsureSchema creates the uniqueness constraints the writes rely on.
func (s *GraphStore) EnsureSchema(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	for _, stmt := range []string{
		`CREATE CONSTRAINT fact_id IF NOT EXISTS FOR (f:Fact) REQUIRE f.id IS UNIQUE`,
		`CREATE CONSTRAINT episode_id IF NOT EXISTS FOR (e:Episode) REQUIRE e.id IS UNIQUE`,
		`CREATE CONSTRAINT consolidation_id IF NOT EXISTS FOR (r:Consolidation) REQUIRE r.id IS UNIQUE`,
	} {
		if _, err := session.Run(ctx, stmt, nil); err != nil {
			return fmt.Errorf("neo4j schema: %w", err)
		}
	}
	return nil
}

// PersistFacts writes facts and their provenance edges in one transaction.
func (s *GraphStore) PersistFacts(ctx context.Context, runID string, facts []Fact) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, f := range facts {
			trail, err := json.Marshal(f.Trail)
			if err != nil {
				return nil, fmt.Errorf("marshal trail: %w", err)
			}
			_, err = tx.Run(ctx,
				`MERGE (f:Fact {id: $id})
				 SET f.version_id = $version, f.topic = $topic, f.kind = $kind,
				     f.statement = $statement, f.confidence = $confidence,
				     f.resolved = $resolved, f.source = $source,
				     f.run_ids = $runIds, f.episode_ids = $episodeIds,
				     f.trail = $trail,
				     f.created_ms = $created, f.updated_ms = $updated
				 WITH f
				 UNWIND $episodeIds AS eid
				 MERGE (e:Episode {id: eid})
				 MERGE (f)-[:DERIVED_FROM]->(e)`,
				map[string]any{
					"id":         f.ID,
					"version":    f.VersionID,
					"topic":      f.Topic,
					"kind":       string(f.Kind),
					"statement":  f.Statement,
					"confidence": f.Confidence,
					"resolved":   f.Resolved,
					"source":     f.Provenance.Source,
					"runIds":     nonNil(f.Provenance.RunIDs),
					"episodeIds": nonNil(f.Provenance.EpisodeIDs),
					"trail":      string(trail),
					"created":    f.CreatedAt.UnixMilli(),
					"updated":    f.UpdatedAt.UnixMilli(),
				})
			if err != nil {
				return nil, err
			}
			if runID == "" {
				continue
			}
			_, err = tx.Run(ctx,
				`MATCH (f:Fact {id: $id})
				 MERGE (r:Consolidation {id: $run})
				 MERGE (f)-[:CONSOLIDATED_BY]->(r)`,
				map[string]any{"id": f.ID, "run": runID})
			if err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("neo4j persist facts: %w", err)
	}

	s.logger.Debug("facts persisted to graph",
		zap.String("run", runID),
		zap.Int("facts", len(facts)))
	return nil
}

// LoadFacts reads every fact back.
func (s *GraphStore) LoadFacts(ctx context.Context) ([]Fact, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (f:Fact)
		 RETURN f.id AS id, f.version_id AS version, f.topic AS topic, f.kind AS kind,
		        f.statement AS statement, f.confidence AS confidence, f.resolved AS resolved,
		        f.source AS source, f.run_ids AS runIds, f.episode_ids AS episodeIds,
		        f.trail AS trail, f.created_ms AS created, f.updated_ms AS updated
		 ORDER BY f.created_ms`, nil)
	if err != nil {
		return nil, fmt.Errorf("neo4j load facts: %w", err)
	}

	var facts []Fact
	for result.Next(ctx) {
		rec := result.Record()
		f := Fact{
			ID:        getString(rec, "id"),
			VersionID: getString(rec, "version"),
			Topic:     getString(rec, "topic"),
			Kind:      Kind(getString(rec, "kind")),
			Statement: getString(rec, "statement"),
		}
		if v, ok := rec.Get("confidence"); ok && v != nil {
			f.Confidence, _ = v.(float64)
		}
		if v, ok := rec.Get("resolved"); ok && v != nil {
			f.Resolved, _ = v.(bool)
		}
		f.Provenance = Provenance{
			Source:     getString(rec, "source"),
			RunIDs:     getStrings(rec, "runIds"),
			EpisodeIDs: getStrings(rec, "episodeIds"),
		}
		if t := getString(rec, "trail"); t != "" && t != "null" {
			if err := json.Unmarshal([]byte(t), &f.Trail); err != nil {
				s.logger.Warn("skipping unreadable fact trail", zap.String("fact", f.ID), zap.Error(err))
			}
		}
		f.CreatedAt = getMillis(rec, "created")
		f.UpdatedAt = getMillis(rec, "updated")
		facts = append(facts, f)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("neo4j load facts: %w", err)
	}
	return facts, nil
}

func getString(rec *neo4j.Record, key string) string {
	if v, ok := rec.Get(key); ok && v != nil {
		s, _ := v.(string)
		return s
	}
	return ""
}

func getStrings(rec *neo4j.Record, key string) []string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return nil
	}
	raw, _ := v.([]any)
	out := make([]string, 0, len(raw))
	for _, x := range raw {
		if s, ok := x.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getMillis(rec *neo4j.Record, key string) time.Time {
	if v, ok := rec.Get(key); ok && v != nil {
		if ms, ok := v.(int64); ok {
			return time.UnixMilli(ms)
		}
	}
	return time.Time{}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
