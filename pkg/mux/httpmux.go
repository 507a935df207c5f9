// Package mux assembles the HTTP routes contributed by each app.
package mux

import (
	"log"
	"net/http"

	"github.com/rs/cors"
)

// Registers are apps that mount handlers on the root mux.
type Registers interface {
	RegisterHTTP(*http.ServeMux)
}

// APIv1 are apps that mount handlers below /api/v1.
type APIv1 interface {
	RegisterAPIv1(*http.ServeMux)
}

type mux struct {
	*http.ServeMux
	api *http.ServeMux
}

// New returns an empty mux with the /api/v1/ prefix routed to its own sub mux.
func New() *mux {
	mux := &mux{
		api:      http.NewServeMux(),
		ServeMux: http.NewServeMux(),
	}
	mux.Handle("/api/v1/", http.StripPrefix("/api/v1", mux.api))

	return mux
}

// Add mounts every app. Apps that also implement APIv1 get the sub mux.
func (mux *mux) Add(fns ...Registers) {
	for _, fn := range fns {
		log.Printf("register http %T", fn)
		fn.RegisterHTTP(mux.ServeMux)

		if fn, ok := fn.(APIv1); ok {
			log.Printf("register api %T", fn)
			fn.RegisterAPIv1(mux.api)
		}
	}
}

// CORS wraps the mux for browser clients on other origins. The live
// websocket and the records API are both read by single page apps.
func (mux *mux) CORS(origins ...string) http.Handler {
	if len(origins) == 0 {
		return cors.AllowAll().Handler(mux)
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(mux)
}
