// cmd/authd/container.go
//
// Root composition root. Owns shared infrastructure (Postgres, Redis) and
// composes the identity container on top of it.
package main

import (
	"context"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/quantrail/identity/pkg/authcontainer"
	"github.com/quantrail/identity/pkg/config"
	"github.com/quantrail/identity/pkg/errx"
	"github.com/quantrail/identity/pkg/keyring"
	"github.com/quantrail/identity/pkg/logx"
)

// Container holds shared infrastructure and the composed identity module.
type Container struct {
	Config *config.Config

	DB    *sqlx.DB
	Redis *redis.Client

	Identity *authcontainer.Container
}

func NewContainer(cfg *config.Config) *Container {
	logx.Info("🔧 Initializing application container...")

	c := &Container{Config: cfg}

	c.initInfrastructure()
	c.initIdentity()

	logx.Info("✅ Application container initialized")
	return c
}

func (c *Container) initInfrastructure() {
	db, err := sqlx.Connect("postgres", c.Config.Database.DSN())
	if err != nil {
		logx.Fatalf("Failed to connect to database: %v", err)
	}
	db.SetMaxOpenConns(c.Config.Database.MaxOpenConns)
	db.SetMaxIdleConns(c.Config.Database.MaxIdleConns)
	db.SetConnMaxLifetime(c.Config.Database.ConnMaxLifetime)
	c.DB = db
	logx.Info("  ✅ Database connected")

	c.Redis = redis.NewClient(&redis.Options{
		Addr:     c.Config.Redis.Address(),
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
	})
	if _, err := c.Redis.Ping(context.Background()).Result(); err != nil {
		logx.Fatalf("Failed to connect to Redis: %v (Redis is required)", err)
	}
	logx.Info("  ✅ Redis connected")
}

func (c *Container) initIdentity() {
	ctx := context.Background()

	identity, err := authcontainer.New(ctx, authcontainer.Deps{
		DB:    c.DB,
		Redis: c.Redis,
		Cfg:   c.Config,
	})
	if err != nil {
		logx.Fatalf("Failed to build identity container: %v", err)
	}
	c.Identity = identity

	c.loadKeyRing(ctx)
}

// loadKeyRing brings the signing keys into memory. An empty store is only
// bootstrapped when the deployment opts in; otherwise startup fails so an
// operator-managed ring cannot be shadowed.
func (c *Container) loadKeyRing(ctx context.Context) {
	err := c.Identity.Ring.Load(ctx)
	if err == nil {
		logx.Info("  ✅ Signing keys loaded")
		return
	}

	var e *errx.Error
	if errx.As(err, &e) && e.Code == keyring.CodeNoActiveKey.Code && c.Config.Auth.BootstrapKeys {
		if err := c.Identity.Ring.Bootstrap(ctx); err != nil {
			logx.Fatalf("Failed to bootstrap signing keys: %v", err)
		}
		logx.Warn("  ⚠️  Signing keys bootstrapped (first run)")
		return
	}
	logx.Fatalf("Failed to load signing keys: %v", err)
}

func (c *Container) Cleanup() {
	logx.Info("🧹 Cleaning up...")
	c.Identity.Close()
	if err := c.Redis.Close(); err != nil {
		logx.Errorf("Redis close: %v", err)
	}
	if err := c.DB.Close(); err != nil {
		logx.Errorf("Database close: %v", err)
	}
}
