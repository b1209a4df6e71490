package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"backbone/internal/database"
	"backbone/internal/domain"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_fk=1", t.Name())
	db, err := database.SetupDB(database.WithDialector(sqlite.Open(dsn)))
	if err != nil {
		t.Fatalf("setup database: %v", err)
	}

	t.Cleanup(func() {
		database.DB = nil
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func TestCheckerAllWithoutCache(t *testing.T) {
	db := setupTestDB(t)
	checker := New(db, nil)

	results := checker.All(context.Background())
	if len(results) != 4 {
		t.Fatalf("All returned %d results, want 4", len(results))
	}
	for _, name := range []string{"api", "database", "migrations"} {
		if err := results[name]; err != nil {
			t.Fatalf("%s check returned error %v", name, err)
		}
	}
	if !errors.Is(results["cache"], ErrCacheNotConfigured) {
		t.Fatalf("cache check error = %v, want ErrCacheNotConfigured", results["cache"])
	}
}

func TestCacheCheckWithNilClient(t *testing.T) {
	checker := New(nil, func() (*redis.Client, error) { return nil, nil })
	if err := checker.Cache(context.Background()); !errors.Is(err, ErrCacheNotConfigured) {
		t.Fatalf("Cache returned %v, want ErrCacheNotConfigured", err)
	}

	boom := errors.New("dial failed")
	checker = New(nil, func() (*redis.Client, error) { return nil, boom })
	if err := checker.Cache(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Cache returned %v, want wrapped dial error", err)
	}
}

func TestMigrationsCheckReportsMissingTable(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Migrator().DropTable(&domain.NetworkRule{}); err != nil {
		t.Fatalf("drop network rules: %v", err)
	}

	checker := New(db, nil)
	if err := checker.Migrations(context.Background()); err == nil {
		t.Fatal("Migrations returned nil with a missing table")
	}
	if err := checker.Database(context.Background()); err != nil {
		t.Fatalf("Database returned error %v", err)
	}
}

func TestChecksWithoutDatabase(t *testing.T) {
	checker := New(nil, nil)
	if err := checker.Database(context.Background()); err == nil {
		t.Fatal("Database returned nil without a connection")
	}
	if err := checker.Migrations(context.Background()); err == nil {
		t.Fatal("Migrations returned nil without a connection")
	}
	if err := checker.API(context.Background()); err != nil {
		t.Fatalf("API returned error %v", err)
	}
}
