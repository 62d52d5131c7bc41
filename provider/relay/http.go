package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/ValentinKolb/dSync/provider/transport/ws"
	"github.com/VictoriaMetrics/metrics"
	"github.com/gorilla/mux"
)

// shutdownTimeout bounds the graceful shutdown of the http server
const shutdownTimeout = 5 * time.Second

// Handler returns the http routes of the hub
func (h *Hub) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/metrics", handleMetrics).Methods(http.MethodGet)
	router.HandleFunc("/{room:.+}", h.handleSocket).Methods(http.MethodGet)

	if h.config.LogLevel == "debug" {
		router.Use(loggerMiddleware)
	}
	return router
}

// ListenAndServe serves the hub on config.Endpoint until ctx is cancelled,
// then closes all connections
func (h *Hub) ListenAndServe(ctx context.Context) error {
	server := &http.Server{
		Addr:    h.config.Endpoint,
		Handler: h.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		Logger.Infof("Starting relay on %s", h.config.Endpoint)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		h.Close()
		return err
	case <-ctx.Done():
	}

	Logger.Infof("shutting down relay")
	h.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// --------------------------------------------------------------------------
// Handlers
// --------------------------------------------------------------------------

func (h *Hub) handleSocket(w http.ResponseWriter, r *http.Request) {
	roomName := mux.Vars(r)["room"]

	conn, err := ws.Upgrade(w, r, h.config.WriteTimeout)
	if err != nil {
		// the upgrader already wrote the http error
		Logger.Debugf("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	Logger.Debugf("%s: connection from %s", roomName, conn.RemoteAddr())

	if err := h.ServeConn(roomName, r.URL.Query(), conn); err != nil {
		Logger.Debugf("%s: connection from %s ended: %v", roomName, conn.RemoteAddr(), err)
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	ServerID string `json:"serverId"`
	Rooms    int    `json:"rooms"`
}

func (h *Hub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if h.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(healthResponse{
		Status:   "ok",
		ServerID: h.config.ServerID,
		Rooms:    h.Rooms(),
	}); err != nil {
		Logger.Errorf("failed to write health response: %v", err)
	}
}

func handleMetrics(w http.ResponseWriter, _ *http.Request) {
	metrics.WritePrometheus(w, true)
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter captures the status code of a response
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// loggerMiddleware logs every request with its status and duration
func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}
		next.ServeHTTP(rw, r)

		Logger.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
