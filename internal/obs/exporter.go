package obs

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

const defaultEndpoint = "/metrics"

// Exporter serves a prometheus registry over HTTP.
type Exporter struct {
	addr     string
	endpoint string
	srv      *http.Server
	ln       net.Listener
}

// NewExporter builds an exporter for reg on port and endpoint. Port 0 picks a
// free port once started.
func NewExporter(port int, endpoint string, reg *prometheus.Registry) *Exporter {
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	mux := http.NewServeMux()
	mux.Handle(endpoint, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &Exporter{
		addr:     net.JoinHostPort("", strconv.Itoa(port)),
		endpoint: endpoint,
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
}

// Start binds the listener and serves in the background.
func (e *Exporter) Start() error {
	ln, err := net.Listen("tcp", e.addr)
	if err != nil {
		return errors.Wrapf(err, "listen metrics on %s", e.addr)
	}
	e.ln = ln
	go func() {
		if err := e.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logs.Errorf("metrics exporter stopped, err: %+v", err)
		}
	}()
	logs.Infof("metrics exporter listening on %s%s", ln.Addr(), e.endpoint)
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (e *Exporter) Addr() string {
	if e.ln != nil {
		return e.ln.Addr().String()
	}
	return e.addr
}

// Close shuts the server down.
func (e *Exporter) Close(ctx context.Context) error {
	if e.ln == nil {
		return nil
	}
	return e.srv.Shutdown(ctx)
}
