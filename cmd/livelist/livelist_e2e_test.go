package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
	"golang.org/x/sync/errgroup"

	"github.com/sour-is/livelist/app/collections"
	"github.com/sour-is/livelist/pkg/livesub"
	"github.com/sour-is/livelist/pkg/livesub/wstransport"
	"github.com/sour-is/livelist/pkg/pager"
	"github.com/sour-is/livelist/pkg/records/record"
	"github.com/sour-is/livelist/pkg/restfetch"
	"github.com/sour-is/livelist/pkg/service"
)

const addr = "127.0.0.1:61235"

func TestMain(m *testing.M) {
	os.Setenv("LIVELIST_HTTP", addr)
	os.Setenv("LIVELIST_DATA", "mem:")
	os.Setenv("LIVELIST_COLLECTIONS", "staff teams")
	os.Setenv("LIVELIST_AUDIT", "staff")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	running := make(chan struct{})
	apps.Register(99, func(ctx context.Context, s *service.Harness) error {
		go func() {
			<-s.OnRunning()
			close(running)
		}()

		return nil
	})

	code := 0
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		// Run application
		if err := run(ctx); err != nil {
			return err
		}
		return nil
	})
	wg.Go(func() error {
		<-running
		if err := waitListen(ctx); err != nil {
			cancel()
			return err
		}
		code = m.Run()
		cancel()
		return nil
	})

	if err := wg.Wait(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	os.Exit(code)
}

func waitListen(ctx context.Context) error {
	for i := 0; i < 50; i++ {
		res, err := http.Get("http://" + addr + "/metrics")
		if err == nil {
			res.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return fmt.Errorf("server did not listen on %s", addr)
}

func TestRestrictedCollection(t *testing.T) {
	is := is.New(t)
	res, err := http.Get("http://" + addr + "/records/secrets")
	is.NoErr(err)
	res.Body.Close()
	is.Equal(res.StatusCode, http.StatusNotFound)
}

func TestLiveListing(t *testing.T) {
	is := is.New(t)
	ctx := context.Background()

	p, err := pager.New(
		restfetch.New[*record.Record]("http://"+addr+"/records/teams"),
		(*record.Record).Key,
		pager.WithPageSize[*record.Record](2),
	)
	is.NoErr(err)

	m, err := livesub.New(
		wstransport.New("ws://"+addr+"/live"),
		livesub.WithBackoff(10*time.Millisecond, 100*time.Millisecond, 2),
	)
	is.NoErr(err)

	changed := make(chan struct{}, 1)
	_, err = m.Subscribe(ctx, record.Topic("teams"), func(ctx context.Context, msg livesub.Message) error {
		select {
		case changed <- struct{}{}:
		default:
		}
		return nil
	})
	is.NoErr(err)
	is.NoErr(m.Start(ctx))
	defer m.Stop(ctx)

	is.NoErr(p.Reset(ctx, ""))
	is.Equal(len(p.Snapshot().Items), 0)

	// the subscribe frame may still be in flight; post until a change arrives
	deadline := time.After(2 * time.Second)
	posted := 0
	for done := false; !done; {
		res, err := http.Post("http://"+addr+"/records/teams", "application/json",
			strings.NewReader(fmt.Sprintf(`{"title":"team %d"}`, posted)))
		is.NoErr(err)
		res.Body.Close()
		is.Equal(res.StatusCode, http.StatusCreated)
		posted++

		select {
		case <-changed:
			done = true
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no change delivered")
		}
	}

	is.NoErr(p.Refresh(ctx))
	for p.Snapshot().HasMore {
		is.NoErr(p.LoadNext(ctx))
	}
	is.Equal(len(p.Snapshot().Items), posted)
}

func TestIdempotencyKey(t *testing.T) {
	is := is.New(t)

	post := func() record.Record {
		req, _ := http.NewRequest(http.MethodPost, "http://"+addr+"/records/staff", strings.NewReader(`{"title":"Linus"}`))
		req.Header.Set("Idempotency-Key", "e2e-1")
		res, err := http.DefaultClient.Do(req)
		is.NoErr(err)
		defer res.Body.Close()

		var r record.Record
		is.NoErr(json.NewDecoder(res.Body).Decode(&r))
		return r
	}
	a, b := post(), post()
	is.Equal(a.ID, b.ID)

	res, err := http.Get("http://" + addr + "/records/staff?q=linus")
	is.NoErr(err)
	defer res.Body.Close()

	var page collections.Page
	is.NoErr(json.NewDecoder(res.Body).Decode(&page))
	is.Equal(len(page.Items), 1)
}
