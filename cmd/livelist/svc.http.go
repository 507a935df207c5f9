package main

import (
	"context"
	"log"
	"net/http"
	"strings"

	"github.com/sour-is/livelist/internal/lg"
	"github.com/sour-is/livelist/pkg/env"
	"github.com/sour-is/livelist/pkg/mux"
	"github.com/sour-is/livelist/pkg/service"
	"github.com/sour-is/livelist/pkg/slice"
)

var _ = apps.Register(20, func(ctx context.Context, svc *service.Harness) error {
	s := &http.Server{}
	svc.Add(s)

	hmux := mux.New()
	s.Handler = hmux.CORS(env.List("LIVELIST_CORS")...)

	s.Addr = env.Default("LIVELIST_HTTP", ":8080")
	if strings.HasPrefix(s.Addr, ":") {
		s.Addr = "[::]" + s.Addr
	}
	svc.OnStart(func(ctx context.Context) error {
		_, span := lg.Span(ctx)
		defer span.End()

		log.Print("Listen on ", s.Addr)
		span.AddEvent("begin listen and serve on " + s.Addr)

		hmux.Add(slice.FilterType[mux.Registers](svc.Services...)...)
		return s.ListenAndServe()
	})
	svc.OnStop(s.Shutdown)

	return nil
})
