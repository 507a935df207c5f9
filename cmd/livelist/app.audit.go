package main

import (
	"context"
	"fmt"
	"log"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/sour-is/livelist/internal/lg"
	"github.com/sour-is/livelist/pkg/env"
	"github.com/sour-is/livelist/pkg/livesub"
	"github.com/sour-is/livelist/pkg/livesub/chantransport"
	"github.com/sour-is/livelist/pkg/records/record"
	"github.com/sour-is/livelist/pkg/service"
	"github.com/sour-is/livelist/pkg/slice"
)

// The audit app follows record changes through the same subscription manager
// a remote client would use, fed from the in-process broker.
var _ = apps.Register(60, func(ctx context.Context, svc *service.Harness) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	names := env.List("LIVELIST_AUDIT")
	if len(names) == 0 {
		return nil
	}

	span.AddEvent("Enable Audit")
	b, ok := slice.Find[interface{ PubSub() *gochannel.GoChannel }](svc.Services...)
	if !ok {
		return fmt.Errorf("broker not found in services")
	}

	m, err := livesub.New(
		chantransport.New(b.PubSub()),
		livesub.OnStatus(func(s livesub.Status) { log.Print("audit ", s) }),
	)
	if err != nil {
		span.RecordError(err)
		return err
	}

	for _, name := range names {
		_, err := m.Subscribe(ctx, record.Topic(name), func(ctx context.Context, msg livesub.Message) error {
			var c record.Change
			if err := msg.Decode(&c); err != nil {
				return err
			}
			if c.Record == nil {
				return fmt.Errorf("change %s without record", msg.ID)
			}
			log.Printf("audit %s %s %s/%s %q", msg.ID, c.Op, c.Record.Collection, c.Record.ID, c.Record.Title)
			return nil
		})
		if err != nil {
			span.RecordError(err)
			return err
		}
	}

	svc.Add(m)
	svc.OnStart(func(ctx context.Context) error {
		if err := m.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	})
	svc.OnStop(m.Stop)

	return nil
})
