package main

import (
	"context"
	"log"
	"strings"

	"go.uber.org/multierr"

	"github.com/sour-is/livelist/internal/lg"
	"github.com/sour-is/livelist/pkg/env"
	"github.com/sour-is/livelist/pkg/records"
	diskstore "github.com/sour-is/livelist/pkg/records/driver/disk-store"
	memstore "github.com/sour-is/livelist/pkg/records/driver/mem-store"
	"github.com/sour-is/livelist/pkg/service"
)

var _ = apps.Register(10, func(ctx context.Context, svc *service.Harness) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	dsn := env.Default("LIVELIST_DATA", "mem:")
	if !strings.Contains(dsn, ":") {
		dsn = "file:" + dsn
	}

	err := multierr.Combine(
		memstore.Init(ctx),
		diskstore.Init(ctx),
	)
	if err != nil {
		span.RecordError(err)
		return err
	}

	store, err := records.Open(ctx, dsn)
	if err != nil {
		span.RecordError(err)
		return err
	}
	log.Print("records in ", dsn)

	svc.Add(store)
	svc.OnStop(store.Close)

	return nil
})
