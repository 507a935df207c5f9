package main

import (
	"context"
	"fmt"

	"github.com/sour-is/livelist/app/broker"
	"github.com/sour-is/livelist/internal/lg"
	"github.com/sour-is/livelist/pkg/records"
	"github.com/sour-is/livelist/pkg/service"
	"github.com/sour-is/livelist/pkg/slice"
)

var _ = apps.Register(30, func(ctx context.Context, svc *service.Harness) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	span.AddEvent("Enable Broker")
	store, ok := slice.Find[*records.Store](svc.Services...)
	if !ok {
		return fmt.Errorf("*records.Store not found in services")
	}

	b, err := broker.New(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	store.Option(records.WithNotifier(b))

	svc.Add(b)
	svc.OnStop(b.Close)

	return nil
})
