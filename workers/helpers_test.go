package workers

import (
	"fmt"
	"testing"

	"reward-ledger/models"
	"reward-ledger/services"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, services.AutoMigrate(db))
	return db
}

func newRegistry(t *testing.T, db *gorm.DB) *services.TaskRegistry {
	t.Helper()
	return services.NewTaskRegistry(db, []models.Task{
		{ID: "gift", Title: "Gift", Reward: 500, Kind: models.KindManualNone},
	}, services.SystemClock, zap.NewNop())
}

func newStore(t *testing.T, db *gorm.DB) (*services.StoreService, *services.LedgerStore) {
	t.Helper()
	logger := zap.NewNop()
	ledger := services.NewLedgerStore(db, services.NewIdempotencyGuard(logger), services.SystemClock, logger)
	return services.NewStoreService(ledger, services.DefaultUpgrades, logger), ledger
}
