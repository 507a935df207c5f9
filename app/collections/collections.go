// Package collections serves record collections over HTTP in pages that a
// cursor pager can walk.
package collections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	contentnegotiation "gitlab.com/jamietanna/content-negotiation-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/instrument/syncint64"
	"go.uber.org/multierr"

	"github.com/sour-is/livelist/internal/lg"
	"github.com/sour-is/livelist/pkg/math"
	"github.com/sour-is/livelist/pkg/records"
	"github.com/sour-is/livelist/pkg/records/record"
	"github.com/sour-is/livelist/pkg/set"
)

const (
	DefaultLimit = 20
	MaxLimit     = 200
)

type service struct {
	store *records.Store
	names set.Set[string]
	seen  func(key string) (id string, ok bool)
	keep  func(key, id string)

	Mcollections_list   syncint64.Counter
	Mcollections_write  syncint64.Counter
	Mcollections_replay syncint64.Counter
}

type Option interface {
	ApplyCollections(s *service)
}

// WithNames restricts the served collections. With none every name is served.
type WithNames []string

func (o WithNames) ApplyCollections(s *service) {
	s.names = set.New(o...)
}

// WithIdempotency remembers which record an Idempotency-Key created so that a
// retried POST returns it instead of creating another.
type WithIdempotency struct {
	Seen func(key string) (id string, ok bool)
	Keep func(key, id string)
}

func (o WithIdempotency) ApplyCollections(s *service) {
	s.seen, s.keep = o.Seen, o.Keep
}

func New(ctx context.Context, store *records.Store, opts ...Option) (*service, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	svc := &service{store: store}
	for _, o := range opts {
		o.ApplyCollections(svc)
	}

	m := lg.Meter(ctx)

	var err, errs error
	svc.Mcollections_list, err = m.SyncInt64().Counter("collections_list")
	errs = multierr.Append(errs, err)

	svc.Mcollections_write, err = m.SyncInt64().Counter("collections_write")
	errs = multierr.Append(errs, err)

	svc.Mcollections_replay, err = m.SyncInt64().Counter("collections_replay")
	errs = multierr.Append(errs, err)

	span.RecordError(errs)

	return svc, errs
}

func (s *service) RegisterHTTP(mux *http.ServeMux) {
	mux.Handle("/records/", lg.Htrace(http.StripPrefix("/records/", s), "records"))
}
func (s *service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, span := lg.Span(ctx)
	defer span.End()
	r = r.WithContext(ctx)

	name, id, _ := strings.Cut(strings.Trim(r.URL.Path, "/"), "/")
	if name == "" || strings.Contains(id, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if len(s.names) > 0 && !s.names.Has(name) {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	span.SetAttributes(attribute.String("collection", name), attribute.String("id", id))

	switch {
	case r.Method == http.MethodGet && id == "":
		s.list(w, r, name)
	case r.Method == http.MethodGet:
		s.get(w, r, name, id)
	case r.Method == http.MethodPost && id == "":
		s.create(w, r, name)
	case r.Method == http.MethodPut && id != "":
		s.replace(w, r, name, id)
	case r.Method == http.MethodDelete && id != "":
		s.delete(w, r, name, id)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// Page is the list response body.
type Page struct {
	Items  []*record.Record `json:"items"`
	Paging Paging           `json:"paging"`
}

type Paging struct {
	Next   bool   `json:"next"`
	Cursor string `json:"cursor,omitempty"`
}

func (s *service) list(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()
	ctx, span := lg.Span(ctx)
	defer span.End()

	s.Mcollections_list.Add(ctx, 1)

	qry := r.URL.Query()
	limit := DefaultLimit
	if i, err := strconv.Atoi(qry.Get("limit")); err == nil {
		limit = math.Clamp(1, MaxLimit, i)
	}

	// one extra record tells whether another page exists
	lis, err := s.store.List(ctx, name, record.Query{
		After:  qry.Get("cursor"),
		Limit:  limit + 1,
		Filter: qry.Get("q"),
	})
	if err != nil {
		span.RecordError(err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	page := Page{Items: lis}
	if len(lis) > limit {
		page.Items = lis[:limit]
		page.Paging.Next = true
	}
	if len(page.Items) > 0 {
		page.Paging.Cursor = page.Items[len(page.Items)-1].ID
	}
	if page.Items == nil {
		page.Items = []*record.Record{}
	}

	negotiator := contentnegotiation.NewNegotiator("application/json", "text/plain")
	accept := r.Header.Get("Accept")
	if accept == "" {
		accept = "application/json"
	}
	negotiated, _, err := negotiator.Negotiate(accept)
	if err != nil {
		span.RecordError(err)
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}

	span.AddEvent(negotiated.String())
	switch negotiated.String() {
	case "application/json":
		w.Header().Set("content-type", negotiated.String())
		err = json.NewEncoder(w).Encode(page)
	default:
		w.Header().Set("content-type", "text/plain")
		for _, rec := range page.Items {
			fmt.Fprintln(w, line(rec))
		}
		if page.Paging.Next {
			fmt.Fprintln(w, "next", page.Paging.Cursor)
		}
	}
	span.RecordError(err)
}

func (s *service) get(w http.ResponseWriter, r *http.Request, name, id string) {
	ctx := r.Context()
	ctx, span := lg.Span(ctx)
	defer span.End()

	rec, err := s.store.Get(ctx, name, id)
	if err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	writeRecord(w, http.StatusOK, rec)
}

func (s *service) create(w http.ResponseWriter, r *http.Request, name string) {
	ctx := r.Context()
	ctx, span := lg.Span(ctx)
	defer span.End()

	key := r.Header.Get("Idempotency-Key")
	if key != "" && s.seen != nil {
		if id, ok := s.seen(name + "/" + key); ok {
			s.Mcollections_replay.Add(ctx, 1)
			span.AddEvent("replay " + key)
			s.get(w, r, name, id)
			return
		}
	}

	in, err := readRecord(r)
	if err != nil {
		span.RecordError(err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	in.ID = ""

	rec, err := s.store.Put(ctx, name, in)
	if rec == nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	// notifier errors do not undo a stored record
	span.RecordError(err)
	s.Mcollections_write.Add(ctx, 1)

	if key != "" && s.keep != nil {
		s.keep(name+"/"+key, rec.ID)
	}

	w.Header().Set("Location", "/records/"+name+"/"+rec.ID)
	writeRecord(w, http.StatusCreated, rec)
}

func (s *service) replace(w http.ResponseWriter, r *http.Request, name, id string) {
	ctx := r.Context()
	ctx, span := lg.Span(ctx)
	defer span.End()

	if _, err := s.store.Get(ctx, name, id); err != nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}

	in, err := readRecord(r)
	if err != nil {
		span.RecordError(err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	in.ID = id

	rec, err := s.store.Put(ctx, name, in)
	if rec == nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	span.RecordError(err)
	s.Mcollections_write.Add(ctx, 1)

	writeRecord(w, http.StatusOK, rec)
}

func (s *service) delete(w http.ResponseWriter, r *http.Request, name, id string) {
	ctx := r.Context()
	ctx, span := lg.Span(ctx)
	defer span.End()

	rec, err := s.store.Delete(ctx, name, id)
	if rec == nil {
		span.RecordError(err)
		writeError(w, err)
		return
	}
	span.RecordError(err)
	s.Mcollections_write.Add(ctx, 1)

	w.WriteHeader(http.StatusNoContent)
}

func readRecord(r *http.Request) (*record.Record, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	r.Body.Close()

	var rec record.Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, err
	}
	if strings.TrimSpace(rec.Title) == "" {
		return nil, errors.New("title is required")
	}
	return &rec, nil
}

func writeRecord(w http.ResponseWriter, code int, rec *record.Record) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(rec)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, records.ErrNotFound):
		w.WriteHeader(http.StatusNotFound)
	default:
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func line(rec *record.Record) string {
	var b strings.Builder
	b.WriteString(rec.ID)
	b.WriteRune('\t')
	b.WriteString(rec.Title)

	keys := make([]string, 0, len(rec.Fields))
	for k := range rec.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteRune('\t')
		b.WriteString(k)
		b.WriteRune('=')
		b.WriteString(rec.Fields[k])
	}
	return b.String()
}
