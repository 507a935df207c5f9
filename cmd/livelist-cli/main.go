package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/oklog/ulid/v2"
	"gopkg.in/yaml.v3"

	"github.com/sour-is/livelist/pkg/livesub"
	"github.com/sour-is/livelist/pkg/livesub/wstransport"
	"github.com/sour-is/livelist/pkg/pager"
	"github.com/sour-is/livelist/pkg/records/record"
	"github.com/sour-is/livelist/pkg/restfetch"
)

var usage = `Livelist CLI.
usage:
  livelist-cli list  [--host HOST] [--size N] [--all] <collection> [<filter>]
  livelist-cli watch [--host HOST] [--size N] [--all] <collection> [<filter>]
  livelist-cli put   [--host HOST] [--key KEY] <collection> <filename>
  livelist-cli rm    [--host HOST] <collection> <id>

Options:
  --host <host>    Server to use [default: http://localhost:8080]
  --size <n>       Page size [default: 20]
  --all            Load every page
  --key <key>      Idempotency key for put, generated when empty
`

type opts struct {
	List   bool `docopt:"list"`
	Watch  bool `docopt:"watch"`
	Put    bool `docopt:"put"`
	Remove bool `docopt:"rm"`

	Host       string `docopt:"--host"`
	Size       string `docopt:"--size"`
	All        bool   `docopt:"--all"`
	Key        string `docopt:"--key"`
	Collection string `docopt:"<collection>"`
	Filter     string `docopt:"<filter>"`
	File       string `docopt:"<filename>"`
	ID         string `docopt:"<id>"`
}

func main() {
	o, err := docopt.ParseDoc(usage)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	var opts opts
	if err := o.Bind(&opts); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	go func() {
		<-ctx.Done()
		defer cancel() // restore interrupt function
	}()

	if err := run(ctx, opts, os.Stdin, os.Stdout); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts opts, in io.Reader, out io.Writer) error {
	host, err := url.Parse(opts.Host)
	if err != nil {
		return err
	}
	recordsURL := host.JoinPath("records", opts.Collection)

	size := pager.DefaultPageSize
	if opts.Size != "" {
		if size, err = strconv.Atoi(opts.Size); err != nil {
			return fmt.Errorf("--size: %w", err)
		}
	}

	switch {
	case opts.List:
		p, err := newPager(recordsURL.String(), size)
		if err != nil {
			return err
		}
		if err := p.Reset(ctx, opts.Filter); err != nil {
			return err
		}
		if err := loadAll(ctx, p, opts.All); err != nil {
			return err
		}
		return printSnapshot(out, p.Snapshot())

	case opts.Watch:
		return watch(ctx, opts.Collection, opts.Filter, size, opts.All, host, recordsURL, in, out)

	case opts.Put:
		fp, err := os.Open(opts.File)
		if err != nil {
			return err
		}
		defer fp.Close()

		var rec record.Record
		if err := yaml.NewDecoder(fp).Decode(&rec); err != nil {
			return err
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		method, target := http.MethodPost, recordsURL
		if rec.ID != "" {
			method, target = http.MethodPut, recordsURL.JoinPath(rec.ID)
		}
		req, err := http.NewRequestWithContext(ctx, method, target.String(), strings.NewReader(string(b)))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if method == http.MethodPost {
			key := opts.Key
			if key == "" {
				key = ulid.Make().String()
			}
			req.Header.Set("Idempotency-Key", key)
		}

		res, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		defer res.Body.Close()

		if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
			return &restfetch.StatusError{StatusCode: res.StatusCode}
		}
		var stored record.Record
		if err := json.NewDecoder(res.Body).Decode(&stored); err != nil {
			return err
		}
		return yaml.NewEncoder(out).Encode(&stored)

	case opts.Remove:
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, recordsURL.JoinPath(opts.ID).String(), nil)
		if err != nil {
			return err
		}
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		res.Body.Close()

		if res.StatusCode != http.StatusNoContent {
			return &restfetch.StatusError{StatusCode: res.StatusCode}
		}
		fmt.Fprintln(out, "removed", opts.Collection+"/"+opts.ID)
	}

	return nil
}

func newPager(u string, size int) (*pager.Pager[*record.Record], error) {
	return pager.New(
		restfetch.New[*record.Record](u),
		(*record.Record).Key,
		pager.WithPageSize[*record.Record](size),
	)
}

// loadAll keeps loading pages until the end of data when all is set. It
// stops early when another caller has a load in flight; that caller
// continues the walk.
func loadAll(ctx context.Context, p *pager.Pager[*record.Record], all bool) error {
	for all {
		s := p.Snapshot()
		if !s.HasMore || s.Loading || s.Err != nil {
			return nil
		}
		if err := p.LoadNext(ctx); err != nil {
			return err
		}
	}
	return nil
}

// watch prints the listing again after every change. Lines read from in
// replace the filter once typing pauses. Without all only the first page is
// shown after each reload.
func watch(ctx context.Context, collection, initial string, size int, all bool, host, recordsURL *url.URL, in io.Reader, out io.Writer) error {
	changes := make(chan pager.Snapshot[*record.Record], 1)
	p, err := pager.New(
		restfetch.New[*record.Record](recordsURL.String()),
		(*record.Record).Key,
		pager.WithPageSize[*record.Record](size),
		pager.OnChange(func(s pager.Snapshot[*record.Record]) {
			if s.Loading {
				return
			}
			// keep only the latest snapshot
			for {
				select {
				case changes <- s:
					return
				default:
				}
				select {
				case <-changes:
				default:
				}
			}
		}),
	)
	if err != nil {
		return err
	}

	live := *host
	live.Scheme = strings.Replace(live.Scheme, "http", "ws", 1)
	live.Path = "/live"

	m, err := livesub.New(
		wstransport.New(live.String()),
		livesub.OnStatus(func(s livesub.Status) { fmt.Fprintln(os.Stderr, "#", s) }),
	)
	if err != nil {
		return err
	}
	_, err = m.Subscribe(ctx, record.Topic(collection), func(ctx context.Context, msg livesub.Message) error {
		if err := p.Refresh(ctx); err != nil {
			return err
		}
		return loadAll(ctx, p, all)
	})
	if err != nil {
		return err
	}

	if err := m.Start(ctx); err != nil {
		return err
	}
	defer m.Stop(context.Background())

	filter := pager.NewDebouncer(nil, 300*time.Millisecond, func(s string) {
		err := p.SetFilter(ctx, strings.TrimSpace(s))
		if err == nil {
			err = loadAll(ctx, p, all)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "#", err)
		}
	})
	defer filter.Stop()

	go func() {
		scan := bufio.NewScanner(in)
		for scan.Scan() {
			filter.Input(scan.Text())
		}
	}()

	if err := p.Reset(ctx, initial); err != nil {
		return err
	}
	if err := loadAll(ctx, p, all); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-changes:
			fmt.Fprintln(out, "---")
			if err := printSnapshot(out, s); err != nil {
				return err
			}
		}
	}
}

type listing struct {
	Filter  string           `yaml:"filter,omitempty"`
	HasMore bool             `yaml:"has_more"`
	Error   string           `yaml:"error,omitempty"`
	Items   []*record.Record `yaml:"items"`
}

func printSnapshot(out io.Writer, s pager.Snapshot[*record.Record]) error {
	l := listing{
		Filter:  s.Filter,
		HasMore: s.HasMore,
		Items:   s.Items,
	}
	if s.Err != nil {
		l.Error = s.Err.Error()
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	return enc.Encode(&l)
}
