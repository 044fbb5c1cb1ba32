package cluster

import (
	"context"
	"encoding/json"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi"
)

const adminShutdownTimeout = 5 * time.Second

var listTemplate = template.Must(template.New("list").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
  <meta charset="UTF-8">
  <title>{{ .App.Name }}</title>
</head>
<body>
<p>{{ .State }} ({{ .ClusterID }})</p>
<table>
  <tr>
    <th>Worker</th>
    <th>Role</th>
    <th>PID</th>
    <th>State</th>
  </tr>
    {{ range .Workers }}
      <tr>
        <td>{{ .ID }}</td>
        <td>{{ .Role }}</td>
        <td>{{ .PID }}</td>
        <td>{{ .State }}</td>
      </tr>
    {{ end }}
</table>
</body>
</html>
`))

// AdminRouter returns the admin HTTP API: the JSON status, an HTML list
// of the workers and the Prometheus metrics.
func (c *Cluster) AdminRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.Status())
	})
	r.Get("/list", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_ = listTemplate.Execute(w, c.Status())
	})
	r.Method(http.MethodGet, "/metrics", c.metrics.Handler())

	return r
}

// serveAdmin runs the admin HTTP server until `ctx` is done.
func (c *Cluster) serveAdmin(ctx context.Context) {
	log := c.log.WithField("addr", c.opts.AdminAddr)

	listener, err := net.Listen("tcp", c.opts.AdminAddr)
	if err != nil {
		log.WithError(err).Error("Unable to start admin server")
		return
	}

	server := &http.Server{
		Handler:           c.AdminRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverFailed := make(chan struct{})
	go func() {
		log.Info("Starting admin server")
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Admin server failed")
			close(serverFailed)
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), adminShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Admin server shutdown failed")
			return
		}
		log.Info("Admin server gracefully stopped")
	case <-serverFailed:
	}
}
