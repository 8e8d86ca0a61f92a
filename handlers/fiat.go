// handlers/fiat_routes.go
package handlers

import (
	"custody-ledger-system/middleware"
	"custody-ledger-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupFiatRoutes(app *fiber.App, api *services.ApiService) {
	secured := app.Group("/fiat", middleware.AuthMiddleware())

	secured.Post("/deposits", api.RegisterFiatDeposit)
	secured.Post("/deposits/:code/settle", api.SettleFiatDeposit)
	secured.Post("/withdrawals", api.RegisterFiatWithdrawal)
	secured.Post("/withdrawals/:code/settle", api.SettleFiatWithdrawal)

	secured.Get("/txs/:code", api.GetFiatTx)
	secured.Get("/tags/:tag/txs", api.GetFiatTxs)
	secured.Get("/tags/:tag/balance", api.GetFiatBalance)
}
