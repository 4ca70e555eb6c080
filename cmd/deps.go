package cmd

import (
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/frahmantamala/payment-reconciliation/internal"
	"github.com/frahmantamala/payment-reconciliation/internal/core/events"
	"github.com/frahmantamala/payment-reconciliation/internal/gateway"
	"github.com/frahmantamala/payment-reconciliation/internal/payment"
	paymentpg "github.com/frahmantamala/payment-reconciliation/internal/payment/postgres"
	"github.com/frahmantamala/payment-reconciliation/internal/selection"
	selectionpg "github.com/frahmantamala/payment-reconciliation/internal/selection/postgres"
	"github.com/frahmantamala/payment-reconciliation/pkg/logger"
)

// appDeps is the assembled object graph shared by the server, worker and
// sweep commands.
type appDeps struct {
	Config   *internal.Config
	DB       *sqlx.DB
	Gorm     *gorm.DB
	Logger   *slog.Logger
	Bus      *events.EventBus
	Payments payment.RepositoryAPI
	Accounts *selectionpg.AccountRepository
	Engine   *selection.Engine
	Service  *payment.Service
	Registry *gateway.Registry
}

func buildDeps() (*appDeps, error) {
	config, err := loadConfig(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.Init(config.Logging.Format)
	log := logger.LoggerWrapper()

	db, err := initDB(config.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	gormDB, err := gorm.Open(gormpostgres.New(gormpostgres.Config{Conn: db.DB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize orm: %w", err)
	}

	bus := events.NewEventBus(log)

	payments := paymentpg.NewPaymentRepository(gormDB)
	plans := paymentpg.NewPlanRepository(gormDB)
	subscriptions := paymentpg.NewSubscriptionRepository(gormDB)
	invoices := paymentpg.NewInvoiceRepository(gormDB)
	stats := paymentpg.NewCustomerStatsRepository(gormDB)

	accounts := selectionpg.NewAccountRepository(gormDB)
	records := selectionpg.NewRecordRepository(gormDB)
	policies := selectionpg.NewPolicyRepository(gormDB)

	engine := selection.NewEngine(accounts, records, policies, config.Selection, log)

	cooldown := time.Duration(config.Selection.CooldownMinutes) * time.Minute
	service := payment.NewService(
		payments, plans, subscriptions, invoices, stats, accounts,
		bus, log, cooldown, config.Reconcile.ProvisionDelay,
	)

	registry := buildRegistry(config, log)

	return &appDeps{
		Config:   config,
		DB:       db,
		Gorm:     gormDB,
		Logger:   log,
		Bus:      bus,
		Payments: payments,
		Accounts: accounts,
		Engine:   engine,
		Service:  service,
		Registry: registry,
	}, nil
}

func buildRegistry(config *internal.Config, log *slog.Logger) *gateway.Registry {
	registry := gateway.NewRegistry()
	timeout := config.Reconcile.GatewayTimeout

	for name, gw := range config.Gateways {
		switch name {
		case "stripe":
			registry.Register(gateway.NewStripeAdapter(gw.BaseURL, timeout, log))
		case "paypal":
			registry.Register(gateway.NewPayPalAdapter(gw.BaseURL, timeout, log))
		default:
			log.Warn("ignoring unsupported gateway in config", "gateway", name)
		}
	}

	return registry
}

// initDB initializes the database connection
func initDB(cfg internal.DatabaseConfig) (*sqlx.DB, error) {
	const driver = "pgx"

	dbConn, err := sqlx.Connect(driver, cfg.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	dbConn.SetMaxIdleConns(cfg.MaxIdleConns)
	dbConn.SetMaxOpenConns(cfg.MaxOpenConns)
	dbConn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := dbConn.Ping(); err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return dbConn, nil
}
