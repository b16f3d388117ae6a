// Package transfer holds the wire types and service description of
// shardledger.v1.TransferService. Messages travel as JSON over gRPC.
package transfer

type ExecuteTransferRequest struct {
	TransferID  string `json:"transfer_id,omitempty"`
	FromAccount string `json:"from_account"`
	ToAccount   string `json:"to_account"`
	Amount      int64  `json:"amount"`
	Gate        string `json:"gate,omitempty"`
}

type ExecuteTransferResponse struct {
	Status        string `json:"status"`
	TransferID    string `json:"transfer_id"`
	Reason        string `json:"reason,omitempty"`
	FromShard     int32  `json:"from_shard"`
	ToShard       int32  `json:"to_shard"`
	CrossShard    bool   `json:"cross_shard"`
	AmountDisplay string `json:"amount_display"`
}

type GetBalanceRequest struct {
	AccountID string `json:"account_id"`
}

type GetBalanceResponse struct {
	AccountID      string `json:"account_id"`
	Balance        int64  `json:"balance"`
	BalanceDisplay string `json:"balance_display"`
	ShardID        int32  `json:"shard_id"`
	Found          bool   `json:"found"`
}

type LookupShardRequest struct {
	AccountID string `json:"account_id"`
}

type LookupShardResponse struct {
	AccountID   string `json:"account_id"`
	ShardID     int32  `json:"shard_id"`
	TotalShards int32  `json:"total_shards"`
}

type ShardStatsRequest struct{}

type ShardDrift struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	Expected  int64  `json:"expected"`
}

type ShardStat struct {
	ShardID             int32        `json:"shard_id"`
	Healthy             bool         `json:"healthy"`
	AccountCount        int64        `json:"account_count"`
	TotalBalance        int64        `json:"total_balance"`
	TotalBalanceDisplay string       `json:"total_balance_display"`
	Drift               []ShardDrift `json:"drift"`
}

type ShardStatsResponse struct {
	Shards        []ShardStat `json:"shards"`
	HealthyShards int32       `json:"healthy_shards"`
	TotalShards   int32       `json:"total_shards"`
}
