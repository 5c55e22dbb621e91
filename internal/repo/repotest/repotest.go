// Package repotest opens throwaway databases for package tests.
package repotest

import (
	"fmt"
	"strings"
	"testing"

	"github.com/richardliu001/account-saga/internal/model"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// NewDB returns an in-memory sqlite database private to the test, with
// every table of both services migrated. A single connection keeps the
// memory database alive and serializes transactions.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	return NewNamedDB(t, "")
}

// NewNamedDB is NewDB for tests that need more than one database.
func NewNamedDB(t *testing.T, suffix string) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name() + suffix)
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&model.User{}, &model.SagaTransaction{}, &model.OutboxEvent{}, &model.Account{},
	))
	return db
}

// Logger is a no-op sugared logger.
func Logger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
