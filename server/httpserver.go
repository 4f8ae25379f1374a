package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/cubefs/dbcache/errors"
	"github.com/cubefs/dbcache/metrics"
	"github.com/cubefs/dbcache/proto"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

type HttpServer struct {
	httpServer *http.Server

	*Server
}

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) {
	ph := profile.NewProfileHandler(addr)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), logHandler{}, ph),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HttpServer) newHandler() *rpc.Router {
	r := rpc.New()
	r.Handle(http.MethodGet, "/stats", h.Stats)
	r.Handle(http.MethodGet, "/selfmon", h.SelfmonStats)
	r.Handle(http.MethodGet, "/item", h.Item)
	metricsHandler := promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
	r.Handle(http.MethodGet, "/metrics", func(c *rpc.Context) {
		metricsHandler.ServeHTTP(c.Writer, c.Request)
	})
	return r
}

func (h *HttpServer) Stats(c *rpc.Context) {
	st, err := h.catalog.Stats(c.Request.Context())
	if err != nil {
		c.RespondError(httpError(err))
		return
	}
	c.RespondJSON(st)
}

func (h *HttpServer) SelfmonStats(c *rpc.Context) {
	c.RespondJSON(h.selfmon.Stats())
}

// Item looks an item up by ?id= or by ?host=&key=.
func (h *HttpServer) Item(c *rpc.Context) {
	ctx := c.Request.Context()
	q := c.Request.URL.Query()
	var (
		it  *proto.Item
		err error
	)
	if s := q.Get("id"); s != "" {
		id, perr := strconv.ParseUint(s, 10, 64)
		if perr != nil {
			c.RespondError(rpc.NewError(http.StatusBadRequest, "BadArgument", perr))
			return
		}
		it, err = h.catalog.LookupItem(ctx, id)
	} else {
		host, perr := strconv.ParseUint(q.Get("host"), 10, 64)
		if perr != nil || q.Get("key") == "" {
			c.RespondError(rpc.NewError(http.StatusBadRequest, "BadArgument", errors.New("id or host and key required")))
			return
		}
		it, err = h.catalog.LookupItemByKey(ctx, host, q.Get("key"))
	}
	if err != nil {
		c.RespondError(httpError(err))
		return
	}
	c.RespondJSON(it)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, apierrors.ErrNotFound):
		return rpc.NewError(http.StatusNotFound, "NotFound", err)
	case errors.Is(err, apierrors.ErrLockTimeout):
		return rpc.NewError(http.StatusServiceUnavailable, "LockTimeout", err)
	case errors.Is(err, apierrors.ErrClosed):
		return rpc.NewError(http.StatusServiceUnavailable, "Closed", err)
	}
	return rpc.NewError(http.StatusInternalServerError, "Internal", err)
}

type logHandler struct{}

func (logHandler) Handler(w http.ResponseWriter, req *http.Request, f func(http.ResponseWriter, *http.Request)) {
	span, ctx := trace.StartSpanFromContext(req.Context(), "")
	start := time.Now()
	f(w, req.WithContext(ctx))
	span.Debugf("%s %s done in %s", req.Method, req.URL.RequestURI(), time.Since(start))
}
