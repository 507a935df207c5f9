// Package service runs a set of long lived components under one context and
// stops them in reverse order.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/sour-is/livelist/internal/lg"
)

type Harness struct {
	Services []any

	onStart   []func(context.Context) error
	onRunning chan struct{}
	onStop    []func(context.Context) error

	once sync.Once
}

// Setup runs each app constructor in order. The first failure stops setup.
func (s *Harness) Setup(ctx context.Context, apps ...application) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	for _, app := range apps {
		if err := app(ctx, s); err != nil {
			span.RecordError(err)
			return err
		}
	}
	return nil
}

// Add records components so that later apps can find them with slice.Find.
func (s *Harness) Add(svcs ...any) {
	s.Services = append(s.Services, svcs...)
}
func (s *Harness) OnStart(fns ...func(context.Context) error) {
	s.onStart = append(s.onStart, fns...)
}
func (s *Harness) OnStop(fns ...func(context.Context) error) {
	s.onStop = append(s.onStop, fns...)
}

// OnRunning is closed once every start func has been launched.
func (s *Harness) OnRunning() <-chan struct{} {
	s.init()
	return s.onRunning
}
func (s *Harness) init() {
	s.once.Do(func() { s.onRunning = make(chan struct{}) })
}

// Run launches every start func and blocks until ctx is done or one of them
// fails, then calls the stop funcs last registered first.
func (s *Harness) Run(ctx context.Context, appName, version string) error {
	s.init()
	log.Printf("starting %s %s", appName, version)

	g, ctx := errgroup.WithContext(ctx)
	for i := range s.onStart {
		fn := s.onStart[i]
		g.Go(func() error {
			err := fn(ctx)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Println("shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var errs error
		for i := len(s.onStop) - 1; i >= 0; i-- {
			errs = multierr.Append(errs, s.onStop[i](ctx))
		}
		return errs
	})
	close(s.onRunning)

	return g.Wait()
}

type application func(context.Context, *Harness) error

type appPriority struct {
	priority int
	fn       application
}

// Apps collects app constructors from package level var blocks.
type Apps []appPriority

// Register adds fn to run at priority. Lower runs first. The bool return lets
// registration happen in a var declaration.
func (a *Apps) Register(priority int, fn application) bool {
	if a == nil {
		return false
	}
	*a = append(*a, appPriority{priority, fn})
	return true
}

// Apps returns the constructors sorted by priority.
func (a Apps) Apps() []application {
	sort.SliceStable(a, func(i, j int) bool {
		return a[i].priority < a[j].priority
	})

	lis := make([]application, len(a))
	for i, app := range a {
		lis[i] = app.fn
	}
	return lis
}

// AppName derives the binary name and version from the build info.
func AppName() (string, string) {
	if info, ok := debug.ReadBuildInfo(); ok {
		return filepath.Base(info.Path), fmt.Sprintf("%s @%s", info.Main.Version, shortRev(info))
	}
	return "livelist", "(devel)"
}

func shortRev(info *debug.BuildInfo) string {
	for _, kv := range info.Settings {
		if kv.Key == "vcs.revision" && len(kv.Value) >= 7 {
			return kv.Value[:7]
		}
	}
	return "unknown"
}
