package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"custody-ledger-system/chain"
	"custody-ledger-system/handlers"
	"custody-ledger-system/models"
	"custody-ledger-system/services"
	"custody-ledger-system/utils"
	"custody-ledger-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, reading environment variables directly")
	}
	if lvl, err := log.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}

	db := openDatabase()

	if err := db.AutoMigrate(
		&models.Cfg{},
		&models.Tag{},
		&models.Address{},
		&models.ChainTx{},
		&models.ChainTxNetworkStatus{},
		&models.TxInput{},
		&models.TxOutput{},
		&models.WalletTx{},
		&models.WalletPendingSpend{},
		&models.FiatWalletTag{},
		&models.FiatWalletTx{},
		&models.BankTx{},
	); err != nil {
		log.Fatal("failed to migrate database: ", err)
	}

	if err := utils.InitArchive(); err != nil {
		log.Fatal("failed to initialize attachment archive: ", err)
	}

	// The registry is the single source of truth for the wired client;
	// everything downstream resolves it by chain code.
	built := buildChainClient()
	chain.Register(built.Params().Code, built)
	client, err := chain.Get(built.Params().Code)
	if err != nil {
		log.Fatal("chain client lookup failed: ", err)
	}

	ledgerService := services.NewLedgerService(db, client)
	balanceService := services.NewBalanceService(db)
	spendService := services.NewSpendService(db, ledgerService, balanceService, client, os.Getenv("WATCH_KEY"))
	fiatService := services.NewFiatService(db)
	reconcileService := services.NewReconcileService(db, ledgerService, client)
	apiService := services.NewApiService(ledgerService, balanceService, spendService, fiatService)

	// UTXO inputs are signed by deriving the leaf key of the paying address
	if btc, ok := client.(*chain.BtcClient); ok {
		btc.PathIndex = ledgerService.PathIndexFor
	}

	// Refuse to run against a store created for a different chain
	if err := ledgerService.CheckWalletType(); err != nil {
		log.Fatal("wallet type check failed: ", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pollInterval := 60 * time.Second
	if s := os.Getenv("RECONCILE_INTERVAL_SECONDS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			pollInterval = time.Duration(n) * time.Second
		}
	}
	reconcileWorker := workers.NewReconcileWorker(db, reconcileService)
	go reconcileWorker.Poll(ctx, pollInterval)

	sched := reconcileService.StartNetworkScheduler()
	defer func() { _ = sched.Shutdown() }()

	app := fiber.New()

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:3000"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Join(splitTrim(allowedOrigins), ","),
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))

	handlers.SetupWalletRoutes(app, apiService)
	handlers.SetupFiatRoutes(app, apiService)

	port := os.Getenv("PORT")
	if port == "" {
		port = "5200"
	}
	go func() {
		if err := app.Listen(":" + port); err != nil {
			log.Printf("Server error: %v", err)
		}
	}()

	log.Printf("Server running on http://localhost:%s", port)
	log.Printf("Chain: %s (%s), reconcile every %s", client.Params().Code, client.Params().Kind, pollInterval)

	<-ctx.Done()
	log.Println("Shutting down server...")
	_ = app.Shutdown()
}

func openDatabase() *gorm.DB {
	dbType := os.Getenv("DB_TYPE")
	if dbType == "" {
		dbType = "postgres"
	}
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	var dialector gorm.Dialector
	switch dbType {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		log.Fatalf("unsupported DB_TYPE %q (use postgres, mysql or sqlite)", dbType)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		log.Fatal("failed to connect to database: ", err)
	}
	return db
}

var defaultCoinTypes = map[string]uint32{
	"btc":   0,
	"eth":   60,
	"waves": 5741564,
}

func buildChainClient() chain.Client {
	code := os.Getenv("CHAIN_CODE")
	if code == "" {
		log.Fatal("CHAIN_CODE environment variable not set")
	}
	kind := os.Getenv("CHAIN_KIND")
	mainNet := os.Getenv("CHAIN_MAINNET") == "true"

	decimals := int64(8)
	if s := os.Getenv("CHAIN_DECIMALS"); s != "" {
		decimals, _ = strconv.ParseInt(s, 10, 32)
	}
	gasLimit := uint64(21000)
	if s := os.Getenv("GAS_LIMIT"); s != "" {
		gasLimit, _ = strconv.ParseUint(s, 10, 64)
	}
	params := chain.Params{
		Code:     code,
		Kind:     kind,
		Decimals: int32(decimals),
		GasLimit: gasLimit,
		MainNet:  mainNet,
	}

	coinType, ok := defaultCoinTypes[code]
	if s := os.Getenv("COIN_TYPE"); s != "" {
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			log.Fatal("invalid COIN_TYPE: ", err)
		}
		coinType = uint32(n)
	} else if !ok {
		log.Fatalf("no default coin type for chain %q, set COIN_TYPE", code)
	}

	var key *chain.HDKey
	var err error
	switch {
	case os.Getenv("WALLET_SEED_HEX") != "":
		key, err = chain.NewHDKeyFromSeedHex(os.Getenv("WALLET_SEED_HEX"), coinType, mainNet)
	case os.Getenv("WALLET_MNEMONIC") != "":
		key, err = chain.NewHDKeyFromMnemonic(os.Getenv("WALLET_MNEMONIC"), os.Getenv("WALLET_PASSPHRASE"), coinType, mainNet)
	default:
		log.Fatal("set WALLET_SEED_HEX or WALLET_MNEMONIC")
	}
	if err != nil {
		log.Fatal("failed to load wallet key: ", err)
	}

	nodeURL := os.Getenv("NODE_URL")
	if nodeURL == "" {
		log.Fatal("NODE_URL environment variable not set")
	}

	switch kind {
	case chain.KindUTXO:
		return chain.NewBtcClient(params, nodeURL, key)
	case chain.KindAccount:
		scanURL := os.Getenv("SCAN_URL")
		if scanURL == "" {
			log.Fatal("SCAN_URL environment variable is required for account chains")
		}
		chainID, err := strconv.ParseInt(os.Getenv("CHAIN_ID"), 10, 64)
		if err != nil {
			log.Fatal("CHAIN_ID environment variable is required for account chains")
		}
		client, err := chain.NewEthClient(params, nodeURL, scanURL, chainID, key)
		if err != nil {
			log.Fatal("failed to build chain client: ", err)
		}
		return client
	case chain.KindFixedFee:
		return chain.NewFixedFeeClient(params, nodeURL, key)
	default:
		log.Fatalf("unknown CHAIN_KIND %q (use utxo, account or fixedfee)", kind)
		return nil
	}
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
