package api

import (
    "context"
    "encoding/json"
    "net/http"
    "sort"
    "strings"
    "time"

    "github.com/go-chi/chi/v5"

    "github.com/example/shard-ledger/internal/coordinator"
    "github.com/example/shard-ledger/internal/events"
    "github.com/example/shard-ledger/internal/ledger"
    "github.com/example/shard-ledger/internal/resilience"
    "github.com/example/shard-ledger/internal/security"
)

type createTransferRequest struct {
    TransferID  string `json:"transfer_id"`
    FromAccount string `json:"from_account"`
    ToAccount   string `json:"to_account"`
    Amount      int64  `json:"amount"`
    Gate        string `json:"gate"`
}

type transferResponse struct {
    coordinator.Result
    Amount        int64  `json:"amount"`
    AmountDisplay string `json:"amount_display"`
    CorrelationID string `json:"correlation_id"`
}

type createAccountRequest struct {
    AccountID      string `json:"account_id"`
    OpeningBalance int64  `json:"opening_balance"`
}

type balanceResponse struct {
    coordinator.BalanceInfo
    BalanceDisplay string `json:"balance_display"`
    CorrelationID  string `json:"correlation_id"`
}

type lookupResponse struct {
    AccountID   string `json:"account_id"`
    ShardID     int    `json:"shard_id"`
    TotalShards int    `json:"total_shards"`
}

type resilienceResponse struct {
    Breakers []resilience.Status `json:"breakers"`
}

func handleCreateTransfer(deps Dependencies) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        var req createTransferRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
            return
        }

        res, err := deps.Service.ExecuteTransfer(r.Context(), coordinator.TransferRequest{
            TransferID:  req.TransferID,
            FromAccount: req.FromAccount,
            ToAccount:   req.ToAccount,
            Amount:      req.Amount,
            Gate:        coordinator.Gate(req.Gate),
        })
        if err != nil {
            writeServiceError(w, r, err)
            return
        }

        status := http.StatusOK
        if res.Status == coordinator.StatusAborted {
            status = http.StatusUnprocessableEntity
        }
        writeJSON(w, r, status, transferResponse{
            Result:        res,
            Amount:        req.Amount,
            AmountDisplay: events.FormatAmount(req.Amount),
            CorrelationID: security.CorrelationIDFromContext(r.Context()),
        })
    }
}

func handleGetTransfer(deps Dependencies) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        rec, err := deps.Service.Transfer(r.Context(), chi.URLParam(r, "transferID"))
        if err != nil {
            writeServiceError(w, r, err)
            return
        }
        writeJSON(w, r, http.StatusOK, rec)
    }
}

func handleCreateAccount(deps Dependencies) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        var req createAccountRequest
        if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
            security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
            return
        }

        info, err := deps.Service.OpenAccount(r.Context(), req.AccountID, req.OpeningBalance)
        if err != nil {
            writeServiceError(w, r, err)
            return
        }
        writeJSON(w, r, http.StatusCreated, balanceResponse{
            BalanceInfo:    info,
            BalanceDisplay: events.FormatAmount(info.Balance),
            CorrelationID:  security.CorrelationIDFromContext(r.Context()),
        })
    }
}

func handleBalance(deps Dependencies) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        info, err := deps.Service.Balance(r.Context(), chi.URLParam(r, "accountID"))
        if err != nil {
            writeServiceError(w, r, err)
            return
        }
        status := http.StatusOK
        if !info.Found {
            status = http.StatusNotFound
        }
        writeJSON(w, r, status, balanceResponse{
            BalanceInfo:    info,
            BalanceDisplay: events.FormatAmount(info.Balance),
            CorrelationID:  security.CorrelationIDFromContext(r.Context()),
        })
    }
}

type entriesResponse struct {
    AccountID string         `json:"account_id"`
    Entries   []ledger.Entry `json:"entries"`
}

func handleEntries(deps Dependencies) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        id := chi.URLParam(r, "accountID")
        entries, err := deps.Service.AccountHistory(r.Context(), id)
        if err != nil {
            writeServiceError(w, r, err)
            return
        }
        if entries == nil {
            entries = []ledger.Entry{}
        }
        writeJSON(w, r, http.StatusOK, entriesResponse{AccountID: id, Entries: entries})
    }
}

func handleLookup(deps Dependencies) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        id := chi.URLParam(r, "accountID")
        writeJSON(w, r, http.StatusOK, lookupResponse{
            AccountID:   id,
            ShardID:     deps.Router.Lookup(id),
            TotalShards: deps.Router.Shards(),
        })
    }
}

func handleResilience(deps Dependencies) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        writeJSON(w, r, http.StatusOK, resilienceResponse{Breakers: deps.Resilience.Status()})
    }
}

func handleRecover(deps Dependencies) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        report, err := deps.Service.Recover(r.Context())
        if err != nil {
            writeServiceError(w, r, err)
            return
        }
        deps.Logger.Info("manual recovery run",
            "correlation_id", security.CorrelationIDFromContext(r.Context()), "scanned", report.Scanned)
        writeJSON(w, r, http.StatusOK, report)
    }
}

type shardStatsResponse struct {
    Shards        []coordinator.ShardStats `json:"shards"`
    HealthyShards int                      `json:"healthy_shards"`
    TotalShards   int                      `json:"total_shards"`
}

func handleShardStats(deps Dependencies) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        stats := deps.Service.ShardStats(r.Context())
        healthy := 0
        for _, st := range stats {
            if st.Healthy {
                healthy++
            }
        }
        writeJSON(w, r, http.StatusOK, shardStatsResponse{Shards: stats, HealthyShards: healthy, TotalShards: len(stats)})
    }
}

// handleHealth is unauthenticated: failures are reported as "error" and
// the detail goes to the log only.
func handleHealth(deps Dependencies) http.HandlerFunc {
    return func(w http.ResponseWriter, r *http.Request) {
        ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
        defer cancel()

        names := make([]string, 0, len(deps.Health))
        for name := range deps.Health {
            names = append(names, name)
        }
        sort.Strings(names)

        checks := make(map[string]string, len(names))
        status := http.StatusOK
        healthyShards := 0
        for _, name := range names {
            if err := deps.Health[name](ctx); err != nil {
                deps.Logger.Warn("health check failed",
                    "check", name, "correlation_id", security.CorrelationIDFromContext(r.Context()), "error", err)
                checks[name] = "error"
                status = http.StatusServiceUnavailable
                continue
            }
            checks[name] = "ok"
            if strings.HasPrefix(name, shardCheckPrefix) {
                healthyShards++
            }
        }

        overall := "ok"
        if status != http.StatusOK {
            overall = "degraded"
        }
        body := map[string]any{"status": overall, "checks": checks, "healthy_shards": healthyShards}
        if deps.Router != nil {
            body["total_shards"] = deps.Router.Shards()
        }
        writeJSON(w, r, status, body)
    }
}

// shardCheckPrefix marks health checks that probe a shard, named after
// shard.GuardName.
const shardCheckPrefix = "shard-"
