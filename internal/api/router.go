package api

import (
    "context"
    "log/slog"
    "net"
    "net/http"

    "github.com/go-chi/chi/v5"
    "github.com/go-chi/chi/v5/middleware"

    "github.com/example/shard-ledger/internal/auth"
    "github.com/example/shard-ledger/internal/coordinator"
    "github.com/example/shard-ledger/internal/ledger"
    "github.com/example/shard-ledger/internal/resilience"
    "github.com/example/shard-ledger/internal/security"
    "github.com/example/shard-ledger/internal/shard"
    "github.com/example/shard-ledger/pkg/audit"
)

type Auditor interface {
    Record(kind, subject string, payload any) (*audit.LogEntry, error)
}

// Service is the coordinator surface the API exposes.
type Service interface {
    ExecuteTransfer(ctx context.Context, req coordinator.TransferRequest) (coordinator.Result, error)
    Transfer(ctx context.Context, transferID string) (coordinator.Record, error)
    Balance(ctx context.Context, accountID string) (coordinator.BalanceInfo, error)
    AccountHistory(ctx context.Context, accountID string) ([]ledger.Entry, error)
    OpenAccount(ctx context.Context, accountID string, openingBalance int64) (coordinator.BalanceInfo, error)
    Recover(ctx context.Context) (coordinator.RecoveryReport, error)
    ShardStats(ctx context.Context) []coordinator.ShardStats
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

type Dependencies struct {
    Logger     *slog.Logger
    Signer     *auth.Signer
    Service    Service
    Router     *shard.Router
    Resilience *resilience.Registry

    Auditor     Auditor
    RateLimiter *security.RedisTokenBucket
    Admin       security.Allowlist
    Health      map[string]HealthCheck
}

func NewRouter(deps Dependencies) (http.Handler, error) {
    if deps.Logger == nil {
        deps.Logger = slog.New(slog.DiscardHandler)
    }

    transferV, err := security.NewJSONSchemaValidator("transfer", transferSchema)
    if err != nil {
        return nil, err
    }
    createAccountV, err := security.NewJSONSchemaValidator("create_account", createAccountSchema)
    if err != nil {
        return nil, err
    }

    onAuthError := func(w http.ResponseWriter, r *http.Request, status int, code string) {
        security.WriteJSONError(w, r, status, code)
    }
    scopes := func(s ...string) func(http.Handler) http.Handler {
        return auth.RequireScopes(onAuthError, s...)
    }

    r := chi.NewRouter()
    r.Use(middleware.Recoverer)
    r.Use(security.CorrelationID)
    r.Use(RequestLogger(deps.Logger))

    r.Get("/healthz", handleHealth(deps))

    r.Route("/v1", func(r chi.Router) {
        r.Use(auth.Authenticate(deps.Signer, onAuthError))
        if deps.RateLimiter != nil {
            r.Use(security.RateLimitMiddleware(deps.RateLimiter, deps.Logger, rateLimitKey))
        }
        if deps.Auditor != nil {
            r.Use(AuditMiddleware(deps.Auditor))
        }

        r.Route("/transfers", func(r chi.Router) {
            r.With(scopes(auth.ScopeTransfersWrite), transferV.Middleware).Post("/", handleCreateTransfer(deps))
            r.With(scopes(auth.ScopeTransfersRead)).Get("/{transferID}", handleGetTransfer(deps))
        })

        r.Route("/accounts", func(r chi.Router) {
            r.With(scopes(auth.ScopeAccountsWrite), createAccountV.Middleware).Post("/", handleCreateAccount(deps))
            r.With(scopes(auth.ScopeAccountsRead)).Get("/{accountID}/balance", handleBalance(deps))
            r.With(scopes(auth.ScopeAccountsRead)).Get("/{accountID}/entries", handleEntries(deps))
        })

        r.With(scopes(auth.ScopeAccountsRead)).Get("/shards/lookup/{accountID}", handleLookup(deps))

        r.Group(func(r chi.Router) {
            r.Use(deps.Admin.Middleware, scopes(auth.ScopeAdmin))
            r.Get("/resilience", handleResilience(deps))
            r.Get("/shards/stats", handleShardStats(deps))
            r.Post("/admin/recover", handleRecover(deps))
        })
    })

    r.NotFound(func(w http.ResponseWriter, r *http.Request) {
        security.WriteJSONError(w, r, http.StatusNotFound, "not_found")
    })

    r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
        security.WriteJSONError(w, r, http.StatusMethodNotAllowed, "method_not_allowed")
    })

    return r, nil
}

// rateLimitKey buckets authenticated callers by client id and falls back
// to the remote address.
func rateLimitKey(r *http.Request) string {
    if ai, ok := auth.AuthInfoFromContext(r.Context()); ok {
        return "client:" + ai.ClientID
    }
    host, _, err := net.SplitHostPort(r.RemoteAddr)
    if err != nil {
        return ""
    }
    return "ip:" + host
}
