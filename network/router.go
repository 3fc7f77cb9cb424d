package network

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/thrylos-labs/shardtree/state"
)

// Router serves the operator API of a shard node.
type Router struct {
	tree     *state.Tree
	gatherer prometheus.Gatherer
	origins  []string
	log      zerolog.Logger
}

// NewRouter creates the API of tree. A nil gatherer serves the default
// registry under /metrics.
func NewRouter(tree *state.Tree, gatherer prometheus.Gatherer, log zerolog.Logger) *Router {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Router{
		tree:     tree,
		gatherer: gatherer,
		origins:  []string{"http://localhost:3000"},
		log:      log.With().Str("component", "api").Logger(),
	}
}

// Handler returns the routes wrapped with CORS.
func (router *Router) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: router.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(router.SetupRoutes())
}

// SetupRoutes configures the HTTP routes
func (router *Router) SetupRoutes() *mux.Router {
	r := mux.NewRouter()
	r.Use(router.middlewareHandler())

	r.HandleFunc("/status", router.handleStatus).Methods("GET")
	r.HandleFunc("/content", router.handleSubmitContent).Methods("POST")
	r.HandleFunc("/content", router.handleStoredContent).Methods("GET")
	r.HandleFunc("/chains", router.handleChains).Methods("GET")
	r.HandleFunc("/chains/{id}/blocks", router.handleProposeBlock).Methods("POST")
	r.HandleFunc("/chains/{id}/spawn", router.handleSpawn).Methods("POST")
	r.HandleFunc("/chains/{id}/merge", router.handleMerge).Methods("POST")
	r.Handle("/metrics", promhttp.HandlerFor(router.gatherer, promhttp.HandlerOpts{})).Methods("GET")

	return r
}

func (router *Router) middlewareHandler() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			router.log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote", r.RemoteAddr).
				Msg("request")

			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	}
}
