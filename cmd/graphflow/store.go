package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/graphflow"
)

type storeOptions struct {
	kind string
	dsn  string
}

// openEngine builds an engine on the selected store. The returned close
// function releases the store connection.
func openEngine(ctx context.Context, so storeOptions, obs graphflow.Observer) (graphflow.Engine, func(), error) {
	noop := func() {}
	switch so.kind {
	case "", "memory":
		return graphflow.NewInMemoryEngineWithObserver(obs), noop, nil

	case "sqlite", "postgres":
		driver := "sqlite"
		if so.kind == "postgres" {
			driver = "pgx"
		}
		if so.dsn == "" {
			return nil, nil, fmt.Errorf("--dsn is required for the %s store", so.kind)
		}
		db, err := sql.Open(driver, so.dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", so.kind, err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, fmt.Errorf("connect %s: %w", so.kind, err)
		}
		var eng graphflow.Engine
		if so.kind == "sqlite" {
			db.SetMaxOpenConns(1)
			eng, err = graphflow.NewSQLiteEngineWithObserver(db, obs)
		} else {
			eng, err = graphflow.NewPostgresEngineWithObserver(db, obs)
		}
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return eng, func() { db.Close() }, nil

	case "redis":
		opt, err := redis.ParseURL(so.dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opt)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return graphflow.NewRedisEngineWithObserver(client, obs), func() { client.Close() }, nil

	case "mongo":
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(so.dsn))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		closeFn := func() { _ = client.Disconnect(context.Background()) }
		if err := client.Ping(ctx, nil); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		return graphflow.NewMongoEngineWithObserver(client, obs), closeFn, nil

	default:
		return nil, nil, fmt.Errorf("unknown --store %q (memory, sqlite, postgres, redis, mongo)", so.kind)
	}
}
