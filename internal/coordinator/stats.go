package coordinator

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/example/shard-ledger/internal/ledger"
)

// ShardStats is an operator view of one shard.
type ShardStats struct {
	ShardID      int            `json:"shard_id"`
	Healthy      bool           `json:"healthy"`
	AccountCount int64          `json:"account_count"`
	TotalBalance int64          `json:"total_balance"`
	Drift        []ledger.Drift `json:"drift"`
}

// ShardStats pings every shard in parallel and reports its totals and any
// accounts whose balance disagrees with the ledger. A shard that cannot be
// read is reported unhealthy with zero totals.
func (c *Coordinator) ShardStats(ctx context.Context) []ShardStats {
	ids := c.shards.IDs()
	out := make([]ShardStats, len(ids))

	var g errgroup.Group
	for i, id := range ids {
		g.Go(func() error {
			st := ShardStats{ShardID: id, Drift: []ledger.Drift{}}
			var (
				tot   ledger.Totals
				drift []ledger.Drift
			)
			err := c.shards.Do(ctx, id, func(ctx context.Context, s ledger.Store) error {
				if err := s.Ping(ctx); err != nil {
					return err
				}
				var err error
				if tot, err = s.Totals(ctx); err != nil {
					return err
				}
				drift, err = s.Reconcile(ctx)
				return err
			})
			if err != nil {
				c.logger.Warn("shard stats unavailable", "shard", id, "error", err)
				out[i] = st
				return nil
			}

			st.Healthy = true
			st.AccountCount = tot.Accounts
			st.TotalBalance = tot.Balance
			if len(drift) > 0 {
				st.Drift = drift
				c.logger.Log(ctx, LevelCritical, "ledger drift detected", "shard", id, "accounts", len(drift))
			}
			out[i] = st
			return nil
		})
	}
	g.Wait()
	return out
}
