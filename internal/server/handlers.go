package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"crashcore/internal/apperr"
	"crashcore/internal/domain"
	"crashcore/internal/engine"
	"crashcore/internal/money"
)

// roundCacheTTL bounds how long a round-history/round-detail read is served
// from cache before the next request recomputes it from Postgres (spec.md
// §4.8's TTL cache, C8).
const roundCacheTTL = 5 * time.Second

// resolveUserID reads the caller's identity off X-User-Id. Auth token
// issuance is explicitly out of spec.md §1's scope; this header is the
// stand-in a real gateway would replace with a verified claim.
func resolveUserID(c *fiber.Ctx) (uuid.UUID, error) {
	raw := c.Get("X-User-Id")
	if raw == "" {
		return uuid.UUID{}, apperr.New(apperr.KindUnauthenticated, "missing X-User-Id header")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, apperr.New(apperr.KindUnauthenticated, "invalid X-User-Id header")
	}
	return id, nil
}

// writeError translates err into the {"error", "errorCode"} shape spec.md
// §6 prescribes for every non-2xx response.
func writeError(c *fiber.Ctx, err error) error {
	status := apperr.HTTPStatus(err)
	return c.Status(status).JSON(fiber.Map{
		"error":     err.Error(),
		"errorCode": status,
	})
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	health := fiber.Map{
		"database": s.db.Health(),
	}
	if s.cache != nil {
		health["cache"] = s.cache.Health()
	}
	if s.hub != nil {
		health["websocket_clients"] = s.hub.ClientCount()
	}
	return c.JSON(health)
}

// placeBetHandler implements POST /bet.
func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	userID, err := resolveUserID(c)
	if err != nil {
		return writeError(c, err)
	}

	var req struct {
		BetAmount float64 `json:"betAmount"`
	}
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, apperr.New(apperr.KindValidation, "invalid request body"))
	}

	result, err := s.coordinator.PlaceBet(c.Context(), userID, money.New(req.BetAmount))
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(fiber.Map{
		"betId":          result.BetID,
		"roundId":        result.RoundID,
		"serverSeedHash": hex.EncodeToString(result.ServerSeedHash),
		"startedAt":      result.StartedAt.UnixMilli(),
		"balance":        result.Balance,
	})
}

// cashoutHandler implements POST /cashout.
func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	userID, err := resolveUserID(c)
	if err != nil {
		return writeError(c, err)
	}

	outcome, err := s.coordinator.Cashout(c.Context(), userID)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(fiber.Map{
		"success":    outcome.Success,
		"payout":     outcome.Payout,
		"multiplier": outcome.Multiplier,
		"balance":    outcome.Balance,
		"idempotent": outcome.Idempotent,
	})
}

// roundStatusHandler implements GET /round/status.
func (s *FiberServer) roundStatusHandler(c *fiber.Ctx) error {
	view, ok := s.engine.CurrentView()
	if !ok {
		return c.JSON(domain.RoundSummary{Status: string(engine.StatusWaiting)})
	}
	return c.JSON(domain.RoundSummary{
		RoundID:        view.RoundID,
		Status:         string(view.Status),
		Multiplier:     view.Multiplier,
		StartedAt:      view.StartedAt.UnixMilli(),
		CommitIdx:      view.CommitIdx,
		ServerSeedHash: hex.EncodeToString(view.ServerSeedHash),
	})
}

// roundHistoryHandler implements GET /round/history?limit=N, cached per C8.
func (s *FiberServer) roundHistoryHandler(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	cacheKey := fmt.Sprintf("round:history:%d", limit)

	if body, ok := s.cacheGet(c.Context(), cacheKey); ok {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Send(body)
	}

	rounds, err := s.ledger.RoundHistory(c.Context(), limit)
	if err != nil {
		return writeError(c, err)
	}

	summaries := make([]domain.RoundSummary, 0, len(rounds))
	for _, r := range rounds {
		summaries = append(summaries, toRoundSummary(&r))
	}

	payload := fiber.Map{"rounds": summaries}
	s.cacheSet(c.Context(), cacheKey, payload)
	return c.JSON(payload)
}

// roundDetailHandler implements GET /round/{roundId}, cached per C8.
func (s *FiberServer) roundDetailHandler(c *fiber.Ctx) error {
	roundID, err := uuid.Parse(c.Params("roundId"))
	if err != nil {
		return writeError(c, apperr.New(apperr.KindValidation, "invalid roundId"))
	}

	cacheKey := "round:detail:" + roundID.String()
	if body, ok := s.cacheGet(c.Context(), cacheKey); ok {
		c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return c.Send(body)
	}

	round, err := s.ledger.RoundByID(c.Context(), roundID)
	if err != nil {
		return writeError(c, err)
	}
	bets, err := s.ledger.BetsForRound(c.Context(), roundID)
	if err != nil {
		return writeError(c, err)
	}

	payload := fiber.Map{"round": round, "bets": bets}
	s.cacheSet(c.Context(), cacheKey, payload)
	return c.JSON(payload)
}

// latestCommitmentHandler implements GET /commitments/latest.
func (s *FiberServer) latestCommitmentHandler(c *fiber.Ctx) error {
	commit, err := s.seeds.Latest(c.Context())
	if err != nil {
		return writeError(c, err)
	}
	if commit == nil {
		return writeError(c, apperr.New(apperr.KindNotFound, "no commitments published yet"))
	}
	return c.JSON(domain.CommitmentView{
		Idx:       commit.Idx,
		SeedHash:  hex.EncodeToString(commit.SeedHash),
		CreatedAt: commit.CreatedAt,
	})
}

// revealRoundHandler implements GET /reveal/{roundId}.
func (s *FiberServer) revealRoundHandler(c *fiber.Ctx) error {
	roundID, err := uuid.Parse(c.Params("roundId"))
	if err != nil {
		return writeError(c, apperr.New(apperr.KindValidation, "invalid roundId"))
	}

	round, err := s.ledger.RoundByID(c.Context(), roundID)
	if err != nil {
		return writeError(c, err)
	}
	if round.EndedAt == nil {
		return writeError(c, apperr.New(apperr.KindValidation, "round is still running"))
	}

	return c.JSON(domain.RoundReveal{
		RoundID:        round.RoundID,
		CommitIdx:      round.CommitIdx,
		ServerSeed:     hex.EncodeToString(round.ServerSeed),
		ServerSeedHash: hex.EncodeToString(round.ServerSeedHash),
		RevealedAt:     time.Now(),
		CrashPoint:     round.CrashPoint,
		StartedAt:      round.StartedAt,
		EndedAt:        *round.EndedAt,
	})
}

// createDepositHandler implements POST /payments/deposit.
func (s *FiberServer) createDepositHandler(c *fiber.Ctx) error {
	userID, err := resolveUserID(c)
	if err != nil {
		return writeError(c, err)
	}

	var req struct {
		Amount          float64 `json:"amount"`
		TransactionUUID string  `json:"transactionUUID"`
	}
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, apperr.New(apperr.KindValidation, "invalid request body"))
	}

	intent, err := s.payments.CreateDeposit(c.Context(), userID, money.New(req.Amount), req.TransactionUUID)
	if err != nil {
		return writeError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"paymentId":     intent.ID,
		"transactionId": intent.ExternalID,
		"amount":        intent.Amount,
		"status":        intent.Status,
	})
}

// createWithdrawHandler implements POST /payments/withdraw.
func (s *FiberServer) createWithdrawHandler(c *fiber.Ctx) error {
	userID, err := resolveUserID(c)
	if err != nil {
		return writeError(c, err)
	}

	var req struct {
		Amount          float64 `json:"amount"`
		TransactionUUID string  `json:"transactionUUID"`
	}
	if err := c.BodyParser(&req); err != nil {
		return writeError(c, apperr.New(apperr.KindValidation, "invalid request body"))
	}

	intent, err := s.payments.CreateWithdraw(c.Context(), userID, money.New(req.Amount), req.TransactionUUID)
	if err != nil {
		return writeError(c, err)
	}

	balance, err := s.ledger.Balance(c.Context(), userID)
	if err != nil {
		return writeError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"paymentId":     intent.ID,
		"transactionId": intent.ExternalID,
		"amount":        intent.Amount,
		"status":        intent.Status,
		"newBalance":    balance,
	})
}

// paymentStatusHandler implements GET /payments/status/{transactionId}.
func (s *FiberServer) paymentStatusHandler(c *fiber.Ctx) error {
	userID, err := resolveUserID(c)
	if err != nil {
		return writeError(c, err)
	}

	intent, err := s.payments.GetByExternalID(c.Context(), userID, c.Params("transactionId"))
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(fiber.Map{
		"status": intent.Status,
		"details": fiber.Map{
			"paymentId":     intent.ID,
			"transactionId": intent.ExternalID,
			"type":          intent.Type,
			"amount":        intent.Amount,
			"gatewayStatus": intent.GatewayStatus,
			"errorReason":   intent.ErrorReason,
			"createdAt":     intent.CreatedAt,
			"updatedAt":     intent.UpdatedAt,
		},
	})
}

// paymentHistoryHandler implements GET /payments/history?limit,offset.
func (s *FiberServer) paymentHistoryHandler(c *fiber.Ctx) error {
	userID, err := resolveUserID(c)
	if err != nil {
		return writeError(c, err)
	}

	limit := c.QueryInt("limit", 50)
	offset := c.QueryInt("offset", 0)

	transactions, count, err := s.payments.ListForUser(c.Context(), userID, limit, offset)
	if err != nil {
		return writeError(c, err)
	}

	return c.JSON(fiber.Map{
		"transactions": transactions,
		"count":        count,
		"limit":        limit,
		"offset":       offset,
	})
}

// tickWebSocketHandler streams the lossy tick broadcast (C3) to subscribers.
// Reads are drained only to detect the client going away; the connection is
// otherwise a one-way feed.
func (s *FiberServer) tickWebSocketHandler(conn *websocket.Conn) {
	userID := conn.Query("user_id", "")
	s.hub.RegisterClient(conn, userID)
	defer s.hub.UnregisterClient(conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func toRoundSummary(r *domain.Round) domain.RoundSummary {
	status := string(r.Status())
	return domain.RoundSummary{
		RoundID:        r.RoundID,
		Status:         status,
		Multiplier:     r.CrashPoint,
		StartedAt:      r.StartedAt.UnixMilli(),
		CommitIdx:      r.CommitIdx,
		ServerSeedHash: hex.EncodeToString(r.ServerSeedHash),
	}
}

func (s *FiberServer) cacheGet(ctx context.Context, key string) ([]byte, bool) {
	if s.cache == nil {
		return nil, false
	}
	return s.cache.Get(ctx, key)
}

func (s *FiberServer) cacheSet(ctx context.Context, key string, payload interface{}) {
	if s.cache == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("server: cache marshal failed", "key", key, "error", err)
		return
	}
	s.cache.Set(ctx, key, body, roundCacheTTL)
}
