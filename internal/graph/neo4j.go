package graph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"
)

const assetUpsertCypher = `
MERGE (a:Asset {node_id: $asset_id})
ON CREATE SET a.created_at = datetime(), a.identifiers = []
SET a.ip = $ip,
    a.mac = $mac,
    a.vendor = $vendor,
    a.hostname = $hostname,
    a.status = 'online',
    a.ports = $ports,
    a.os_matches = $os_matches,
    a.rtt_srtt_us = $rtt_srtt_us,
    a.last_seen = datetime($seen_at),
    a.updated_at = datetime(),
    a.identifiers = [x IN a.identifiers WHERE NOT x IN $identifiers] + $identifiers
MERGE (n:NetworkContainer {node_id: $network_id})
ON CREATE SET n.created_at = datetime()
SET n.cidr = $cidr, n.updated_at = datetime()
MERGE (n)-[:CONTAINS]->(a)
`

const serviceUpsertCypher = `
MATCH (a:Asset {node_id: $asset_id})
UNWIND $services AS svc
MERGE (s:Service {node_id: svc.node_id})
ON CREATE SET s.created_at = datetime()
SET s.port = svc.port,
    s.protocol = svc.protocol,
    s.state = 'open',
    s.name = svc.name,
    s.product = svc.product,
    s.version = svc.version,
    s.updated_at = datetime()
MERGE (a)-[:HAS_SERVICE]->(s)
`

// Services that disappeared between scans are marked closed rather
// than deleted, preserving history.
const serviceCloseCypher = `
MATCH (a:Asset {node_id: $asset_id})-[:HAS_SERVICE]->(s:Service)
WHERE NOT s.node_id IN $service_ids AND s.state = 'open'
SET s.state = 'closed', s.updated_at = datetime()
`

// Neo4jStore writes host observations to a neo4j (or bolt-compatible)
// property graph.
type Neo4jStore struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewNeo4jStore connects to the graph store at url with basic auth and
// verifies connectivity before returning.
func NewNeo4jStore(ctx context.Context, url, user, password string, logger *zap.Logger) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(url, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating graph driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("connecting to graph store at %s: %w", url, err)
	}
	logger.Info("connected to graph store", zap.String("url", url))
	return &Neo4jStore{driver: driver, logger: logger}, nil
}

// UpsertHost applies the observation in one write transaction: merge
// the asset and its network container, merge open-port services, and
// close services absent from this scan.
func (s *Neo4jStore) UpsertHost(ctx context.Context, obs HostObservation) error {
	assetUUID := AssetID(obs.MAC, obs.IP, obs.CIDR)
	assetID := assetUUID.String()

	portsJSON, err := json.Marshal(obs.Ports)
	if err != nil {
		return fmt.Errorf("encoding ports: %w", err)
	}
	osJSON, err := json.Marshal(obs.OSMatches)
	if err != nil {
		return fmt.Errorf("encoding os matches: %w", err)
	}

	open := obs.OpenPorts()
	services := make([]map[string]any, 0, len(open))
	serviceIDs := make([]string, 0, len(open))
	for _, p := range open {
		id := ServiceID(assetUUID, p.Port, p.Protocol).String()
		serviceIDs = append(serviceIDs, id)
		services = append(services, map[string]any{
			"node_id":  id,
			"port":     p.Port,
			"protocol": p.Protocol,
			"name":     p.Service,
			"product":  p.Product,
			"version":  p.Version,
		})
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, assetUpsertCypher, map[string]any{
			"asset_id":    assetID,
			"network_id":  NetworkID(obs.CIDR).String(),
			"ip":          obs.IP,
			"mac":         obs.MAC,
			"vendor":      obs.Vendor,
			"hostname":    obs.Hostname,
			"cidr":        obs.CIDR,
			"ports":       string(portsJSON),
			"os_matches":  string(osJSON),
			"rtt_srtt_us": obs.SRTTMicros,
			"seen_at":     obs.SeenAt.UTC().Format("2006-01-02T15:04:05Z"),
			"identifiers": obs.Identifiers(),
		}); err != nil {
			return nil, err
		}
		if len(services) > 0 {
			if _, err := tx.Run(ctx, serviceUpsertCypher, map[string]any{
				"asset_id": assetID,
				"services": services,
			}); err != nil {
				return nil, err
			}
		}
		if _, err := tx.Run(ctx, serviceCloseCypher, map[string]any{
			"asset_id":    assetID,
			"service_ids": serviceIDs,
		}); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("upserting host %s: %w", obs.IP, err)
	}
	return nil
}

// Close releases the underlying driver.
func (s *Neo4jStore) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}
