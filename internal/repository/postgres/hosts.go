package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/splax/fleetgoal/internal/domain"
)

// UpsertHost records a host and adds it to each of its groups.
func (r *Repository) UpsertHost(ctx context.Context, host domain.Host) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const hostUpsert = `INSERT INTO hosts (id, name, ip, state, agent_version, last_ping)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			ip = COALESCE(EXCLUDED.ip, hosts.ip),
			state = EXCLUDED.state,
			agent_version = EXCLUDED.agent_version,
			last_ping = EXCLUDED.last_ping`
	if _, err := tx.Exec(ctx, hostUpsert, host.ID, host.Name, nilIfEmpty(host.IP), string(host.State), host.AgentVersion, host.LastPing); err != nil {
		return err
	}

	if len(host.Groups) > 0 {
		const groupInsert = `INSERT INTO host_groups (host_id, group_name) VALUES ($1, $2) ON CONFLICT DO NOTHING`
		batch := &pgx.Batch{}
		for _, group := range host.Groups {
			batch.Queue(groupInsert, host.ID, group)
		}
		br := tx.SendBatch(ctx, batch)
		for range host.Groups {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return err
			}
		}
		if err := br.Close(); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// ListGroupsByHost returns the groups a host is recorded in.
func (r *Repository) ListGroupsByHost(ctx context.Context, hostID string) ([]string, error) {
	const query = `SELECT group_name FROM host_groups WHERE host_id = $1 ORDER BY group_name`
	rows, err := r.pool.Query(ctx, query, hostID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var groups []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// RemoveHostFromGroup drops one group membership.
func (r *Repository) RemoveHostFromGroup(ctx context.Context, hostID, group string) error {
	const query = `DELETE FROM host_groups WHERE host_id = $1 AND group_name = $2`
	_, err := r.pool.Exec(ctx, query, hostID, group)
	return err
}
