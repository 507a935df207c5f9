package collections_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/matryer/is"

	"github.com/sour-is/livelist/app/collections"
	"github.com/sour-is/livelist/pkg/pager"
	"github.com/sour-is/livelist/pkg/records"
	memstore "github.com/sour-is/livelist/pkg/records/driver/mem-store"
	"github.com/sour-is/livelist/pkg/records/record"
	"github.com/sour-is/livelist/pkg/restfetch"
)

func newServer(t *testing.T, opts ...collections.Option) (*httptest.Server, *records.Store) {
	t.Helper()
	is := is.New(t)
	ctx := context.Background()

	memstore.Init(ctx)
	store, err := records.Open(ctx, "mem:")
	is.NoErr(err)

	svc, err := collections.New(ctx, store, opts...)
	is.NoErr(err)

	mux := http.NewServeMux()
	svc.RegisterHTTP(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, store
}

func seed(t *testing.T, store *records.Store, collection string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.Put(context.Background(), collection, &record.Record{Title: fmt.Sprintf("item %02d", i)})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func getPage(t *testing.T, url string) collections.Page {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url, nil)
	req.Header.Set("Accept", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d", res.StatusCode)
	}
	var page collections.Page
	if err := json.NewDecoder(res.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	return page
}

func TestList(t *testing.T) {
	is := is.New(t)

	srv, store := newServer(t)
	seed(t, store, "staff", 25)

	page := getPage(t, srv.URL+"/records/staff")
	is.Equal(len(page.Items), collections.DefaultLimit)
	is.True(page.Paging.Next)
	is.Equal(page.Paging.Cursor, page.Items[19].ID)

	page = getPage(t, srv.URL+"/records/staff?limit=20&cursor="+page.Paging.Cursor)
	is.Equal(len(page.Items), 5)
	is.True(!page.Paging.Next)
	is.Equal(page.Items[0].Title, "item 20")

	page = getPage(t, srv.URL+"/records/staff?limit=0")
	is.Equal(len(page.Items), 1) // clamped up

	page = getPage(t, srv.URL+"/records/staff?q=item+1")
	is.Equal(len(page.Items), 10)

	page = getPage(t, srv.URL+"/records/empty")
	is.Equal(len(page.Items), 0)
	is.Equal(page.Paging.Cursor, "")
}

func TestListText(t *testing.T) {
	is := is.New(t)

	srv, store := newServer(t)
	seed(t, store, "staff", 3)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/records/staff?limit=2", nil)
	req.Header.Set("Accept", "text/plain")
	res, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	b, _ := io.ReadAll(res.Body)
	res.Body.Close()

	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	is.Equal(len(lines), 3)
	is.True(strings.HasSuffix(lines[0], "\titem 00"))
	is.True(strings.HasPrefix(lines[2], "next "))

	req.Header.Set("Accept", "image/png")
	res, err = http.DefaultClient.Do(req)
	is.NoErr(err)
	res.Body.Close()
	is.Equal(res.StatusCode, http.StatusNotAcceptable)
}

func TestCRUD(t *testing.T) {
	is := is.New(t)

	var mu sync.Mutex
	var changes []record.Change

	srv, store := newServer(t)
	store.Option(records.WithNotifier(records.NotifyFunc(func(ctx context.Context, collection string, c record.Change) error {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, c)
		return nil
	})))

	res, err := http.Post(srv.URL+"/records/teams", "application/json", strings.NewReader(`{"title":"Platform","fields":{"lead":"Ada"}}`))
	is.NoErr(err)
	is.Equal(res.StatusCode, http.StatusCreated)
	var created record.Record
	is.NoErr(json.NewDecoder(res.Body).Decode(&created))
	res.Body.Close()
	is.True(created.ID != "")
	is.Equal(res.Header.Get("Location"), "/records/teams/"+created.ID)

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/records/teams/"+created.ID, strings.NewReader(`{"title":"Platform Eng"}`))
	res, err = http.DefaultClient.Do(req)
	is.NoErr(err)
	is.Equal(res.StatusCode, http.StatusOK)
	var updated record.Record
	is.NoErr(json.NewDecoder(res.Body).Decode(&updated))
	res.Body.Close()
	is.Equal(updated.Title, "Platform Eng")
	is.True(updated.Created.Equal(created.Created))

	res, err = http.Get(srv.URL + "/records/teams/" + created.ID)
	is.NoErr(err)
	res.Body.Close()
	is.Equal(res.StatusCode, http.StatusOK)

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/records/teams/"+created.ID, nil)
	res, err = http.DefaultClient.Do(req)
	is.NoErr(err)
	res.Body.Close()
	is.Equal(res.StatusCode, http.StatusNoContent)

	res, err = http.DefaultClient.Do(req)
	is.NoErr(err)
	res.Body.Close()
	is.Equal(res.StatusCode, http.StatusNotFound)

	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/records/teams/missing", strings.NewReader(`{"title":"x"}`))
	res, err = http.DefaultClient.Do(req)
	is.NoErr(err)
	res.Body.Close()
	is.Equal(res.StatusCode, http.StatusNotFound)

	res, err = http.Post(srv.URL+"/records/teams", "application/json", strings.NewReader(`{"fields":{}}`))
	is.NoErr(err)
	res.Body.Close()
	is.Equal(res.StatusCode, http.StatusBadRequest)

	mu.Lock()
	defer mu.Unlock()
	is.Equal(len(changes), 3)
	is.Equal(changes[0].Op, record.OpPut)
	is.Equal(changes[2].Op, record.OpDelete)
}

func TestIdempotentCreate(t *testing.T) {
	is := is.New(t)

	keys := map[string]string{}
	srv, store := newServer(t, collections.WithIdempotency{
		Seen: func(key string) (string, bool) { id, ok := keys[key]; return id, ok },
		Keep: func(key, id string) { keys[key] = id },
	})

	post := func() record.Record {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/records/staff", strings.NewReader(`{"title":"Grace"}`))
		req.Header.Set("Idempotency-Key", "abc")
		res, err := http.DefaultClient.Do(req)
		is.NoErr(err)
		defer res.Body.Close()
		var r record.Record
		is.NoErr(json.NewDecoder(res.Body).Decode(&r))
		return r
	}

	first, second := post(), post()
	is.Equal(first.ID, second.ID)

	lis, err := store.List(context.Background(), "staff", record.Query{})
	is.NoErr(err)
	is.Equal(len(lis), 1)
}

func TestNames(t *testing.T) {
	is := is.New(t)

	srv, _ := newServer(t, collections.WithNames{"staff"})

	res, err := http.Get(srv.URL + "/records/staff")
	is.NoErr(err)
	res.Body.Close()
	is.Equal(res.StatusCode, http.StatusOK)

	res, err = http.Get(srv.URL + "/records/secrets")
	is.NoErr(err)
	res.Body.Close()
	is.Equal(res.StatusCode, http.StatusNotFound)

	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/records/staff", nil)
	res, err = http.DefaultClient.Do(req)
	is.NoErr(err)
	res.Body.Close()
	is.Equal(res.StatusCode, http.StatusMethodNotAllowed)
}

func TestPagerWalksCollection(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	srv, store := newServer(t)
	seed(t, store, "staff", 45)

	p, err := pager.New(
		restfetch.New[*record.Record](srv.URL+"/records/staff"),
		(*record.Record).Key,
		pager.WithPageSize[*record.Record](20),
	)
	is.NoErr(err)

	is.NoErr(p.Reset(ctx, ""))
	for p.Snapshot().HasMore {
		is.NoErr(p.LoadNext(ctx))
	}

	snap := p.Snapshot()
	is.Equal(len(snap.Items), 45)
	is.Equal(snap.Items[0].Title, "item 00")
	is.Equal(snap.Items[44].Title, "item 44")

	is.NoErr(p.Reset(ctx, "item 3"))
	is.Equal(len(p.Snapshot().Items), 10)
	is.True(!p.Snapshot().HasMore)
}
