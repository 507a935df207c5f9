package main

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/sour-is/livelist/app/collections"
	"github.com/sour-is/livelist/internal/lg"
	"github.com/sour-is/livelist/pkg/env"
	"github.com/sour-is/livelist/pkg/records"
	"github.com/sour-is/livelist/pkg/service"
	"github.com/sour-is/livelist/pkg/slice"
)

var (
	idempotencyExpire = 5 * time.Minute
	cleanupInterval   = 10 * time.Minute
)

var _ = apps.Register(40, func(ctx context.Context, svc *service.Harness) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	span.AddEvent("Enable Collections")
	store, ok := slice.Find[*records.Store](svc.Services...)
	if !ok {
		return fmt.Errorf("*records.Store not found in services")
	}

	cache := cache.New(idempotencyExpire, cleanupInterval)
	withIdempotency := collections.WithIdempotency{
		Seen: func(key string) (string, bool) {
			if id, ok := cache.Get(key); ok {
				return id.(string), true
			}
			return "", false
		},
		Keep: func(key, id string) {
			cache.SetDefault(key, id)
		},
	}
	var withNames collections.WithNames = env.List(
		"LIVELIST_COLLECTIONS",
		"staff", "customers", "projects", "expenses", "procurements", "teams", "reports",
	)

	c, err := collections.New(ctx, store, withIdempotency, withNames)
	if err != nil {
		span.RecordError(err)
		return err
	}
	svc.Add(c)

	return nil
})
