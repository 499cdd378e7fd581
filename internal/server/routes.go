package server

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
)

// RegisterFiberRoutes wires the HTTP surface table from spec.md §6. Player
// identity is resolved from the X-User-Id header — token issuance is out of
// scope per spec.md §1, so this is the minimal stand-in a thin router layer
// would implement in front of the core.
func (s *FiberServer) RegisterFiberRoutes() {
	s.App.Use(requestid.New())
	s.App.Use(recover.New())
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS,PATCH",
		AllowHeaders:     "Accept,Authorization,Content-Type,X-User-Id",
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	s.App.Post("/bet", s.placeBetHandler)
	s.App.Post("/cashout", s.cashoutHandler)

	s.App.Get("/round/status", s.roundStatusHandler)
	s.App.Get("/round/history", s.roundHistoryHandler)
	s.App.Get("/round/:roundId", s.roundDetailHandler)
	s.App.Get("/commitments/latest", s.latestCommitmentHandler)
	s.App.Get("/reveal/:roundId", s.revealRoundHandler)

	s.App.Post("/payments/deposit", s.createDepositHandler)
	s.App.Post("/payments/withdraw", s.createWithdrawHandler)
	s.App.Get("/payments/status/:transactionId", s.paymentStatusHandler)
	s.App.Get("/payments/history", s.paymentHistoryHandler)

	s.App.Get("/ws", websocket.New(s.tickWebSocketHandler))
}
