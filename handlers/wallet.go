// handlers/wallet_routes.go
package handlers

import (
	"custody-ledger-system/middleware"
	"custody-ledger-system/services"

	"github.com/gofiber/fiber/v2"
)

func SetupWalletRoutes(app *fiber.App, api *services.ApiService) {
	// Everything requires the service token; the ledger has no public routes
	secured := app.Group("/", middleware.AuthMiddleware())

	secured.Post("/tags", api.CreateTag)
	secured.Get("/tags", api.GetTags)
	secured.Post("/tags/:tag/addresses", api.NewAddress)
	secured.Get("/tags/:tag/addresses", api.GetAddresses)
	secured.Get("/tags/:tag/balance", api.GetTagBalance)
	secured.Get("/tags/:tag/txs", api.GetWalletTxs)
	secured.Get("/tags/:tag/txs/unacknowledged", api.GetUnacknowledgedTxs)
	secured.Post("/tags/:tag/acknowledge", api.AcknowledgeTxs)

	secured.Get("/txs/:txid", api.GetChainTx)
	secured.Get("/txs/:txid/attachment", api.GetAttachment)

	secured.Post("/spends", api.CreateSpend)
	secured.Get("/spends/:code", api.GetPendingSpend)
	secured.Post("/consolidations", api.CreateConsolidation)
}
