package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/julienschmidt/httprouter"
	"github.com/justinas/alice"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"bus-tracker/internal/transit"
)

// StatusSource exposes the latest published snapshot.
type StatusSource interface {
	Latest() (transit.Snapshot, bool)
}

type Config struct {
	Addr        string
	CORSOrigins []string
	SpeedMps    float64
}

type API struct {
	cfg     Config
	log     *zap.Logger
	route   *transit.Route
	status  StatusSource
	hub     *Hub
	metrics http.Handler
}

func New(cfg Config, log *zap.Logger, route *transit.Route, status StatusSource, hub *Hub, metrics http.Handler) *API {
	if log == nil {
		log = zap.NewNop()
	}
	return &API{cfg: cfg, log: log, route: route, status: status, hub: hub, metrics: metrics}
}

// Handler builds the routed handler with its middleware chain.
func (api *API) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/api/status", api.getStatus)
	router.GET("/api/stops", api.getStops)
	router.GET("/healthz", func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})
	if api.metrics != nil {
		router.Handler(http.MethodGet, "/metrics", api.metrics)
	}
	if api.hub != nil {
		router.GET("/ws", api.serveWS)
	}

	origins := api.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	corsHandler := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})

	return alice.New(corsHandler.Handler, api.recoverPanic, Logger(api.log)).Then(router)
}

// Server returns an http.Server for the API. No write timeout: websocket
// connections are long lived.
func (api *API) Server() *http.Server {
	return &http.Server{
		Addr:              api.cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type envelope map[string]any

func (api *API) writeJSON(w http.ResponseWriter, status int, data envelope) {
	b, err := json.Marshal(data)
	if err != nil {
		api.log.Error("encode response", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func (api *API) getStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	snap, ok := api.status.Latest()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	api.writeJSON(w, http.StatusOK, envelope{"data": snap})
}

type stopResponse struct {
	Index   int     `json:"index"`
	Name    string  `json:"name"`
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	DwellMs int64   `json:"stopDuration"`
}

type segmentResponse struct {
	From            int     `json:"from"`
	To              int     `json:"to"`
	DistanceMeters  float64 `json:"distanceMeters"`
	DurationSeconds float64 `json:"durationSeconds"`
}

type routeResponse struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name"`
	Polyline            string            `json:"polyline"`
	TotalDistanceMeters float64           `json:"totalDistanceMeters"`
	Stops               []stopResponse    `json:"stops"`
	Segments            []segmentResponse `json:"segments"`
}

func newRouteResponse(r *transit.Route, speedMps float64) routeResponse {
	resp := routeResponse{
		ID:                  r.ID,
		Name:                r.Name,
		Polyline:            r.Polyline(),
		TotalDistanceMeters: r.TotalDistance(),
	}
	for i, s := range r.Stops() {
		resp.Stops = append(resp.Stops, stopResponse{Index: i, Name: s.Name, Lat: s.Lat, Lon: s.Lon, DwellMs: s.Dwell.Milliseconds()})
		if i+1 < r.Len() {
			resp.Segments = append(resp.Segments, segmentResponse{
				From:            i,
				To:              i + 1,
				DistanceMeters:  r.SegmentDistance(i),
				DurationSeconds: r.SegmentDuration(i, speedMps).Seconds(),
			})
		}
	}
	return resp
}

func (api *API) getStops(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	api.writeJSON(w, http.StatusOK, envelope{"data": newRouteResponse(api.route, api.cfg.SpeedMps)})
}

func (api *API) serveWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		api.log.Info("upgrade error", zap.Error(err), zap.String("remote", r.RemoteAddr))
		return
	}
	api.hub.Serve(conn)
}

func (api *API) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				api.log.Error("panic serving request", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				w.Header().Set("Connection", "close")
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Logger logs one line per request.
func Logger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("dur", time.Since(start)),
			)
		})
	}
}
