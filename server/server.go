package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	restfulspec "github.com/emicklei/go-restful-openapi/v2"
	"github.com/emicklei/go-restful/v3"
	"github.com/lcpu-dev/labsched/backend"
	"github.com/lcpu-dev/labsched/compat"
	"github.com/lcpu-dev/labsched/models"
	"github.com/lcpu-dev/labsched/orchestrator"
	"github.com/lcpu-dev/labsched/repository"
	"github.com/lcpu-dev/labsched/utils/logging"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Compat       *compat.Shim
	Repositories *repository.Manager
	// Console is nil when no LXD host is configured.
	Console Console
	APIKey  string
	Log     *logrus.Logger
}

type Server struct {
	orch    *orchestrator.Orchestrator
	compat  *compat.Shim
	repos   *repository.Manager
	console Console
	apiKey  string
	log     *logrus.Logger
}

func New(opts Options) *Server {
	s := &Server{
		orch:    opts.Orchestrator,
		compat:  opts.Compat,
		repos:   opts.Repositories,
		console: opts.Console,
		apiKey:  opts.APIKey,
		log:     opts.Log,
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.compat == nil && s.orch != nil {
		s.compat = compat.New(s.orch)
	}
	if s.apiKey == "" {
		s.log.Warn("api-key is not set, admin routes are disabled")
	}
	return s
}

// filterRequestID puts a request scoped logger into the request context.
func (s *Server) filterRequestID(req *restful.Request, resp *restful.Response, fc *restful.FilterChain) {
	ctx := logging.WithRequestID(req.Request.Context(), s.log, req.HeaderParameter("X-Request-Id"))
	req.Request = req.Request.WithContext(ctx)
	resp.AddHeader("X-Request-Id", logging.RequestID(ctx))
	fc.ProcessFilter(req, resp)
}

func (s *Server) filterAdmin(req *restful.Request, resp *restful.Response, fc *restful.FilterChain) {
	key := req.HeaderParameter("X-API-Key")
	if s.apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
		resp.WriteHeaderAndEntity(http.StatusForbidden, &GeneralResponse{Success: false, Message: "Access Denied"})
		return
	}
	fc.ProcessFilter(req, resp)
}

func statusOf(err error) int {
	var ve *models.ValidationError
	switch {
	case errors.As(err, &ve), errors.Is(err, backend.ErrUnsupportedState):
		return http.StatusUnprocessableEntity
	case errors.Is(err, repository.ErrInvalidName):
		return http.StatusBadRequest
	case orchestrator.IsConflict(err), errors.Is(err, compat.ErrInconsistent):
		return http.StatusConflict
	case orchestrator.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrForbidden):
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

// writeError maps err to a status. Business outcomes and client errors
// carry their message; anything else is logged and reported generically.
func writeError(req *restful.Request, resp *restful.Response, err error) {
	code := statusOf(err)
	msg := err.Error()
	if code == http.StatusInternalServerError && !orchestrator.IsFailure(err) {
		logging.From(req.Request.Context()).WithError(err).Error("request failed")
		msg = "Internal Server Error"
	}
	resp.WriteHeaderAndEntity(code, &GeneralResponse{Success: false, Message: msg})
}

// ifMatch returns the revision named by the If-Match header, if any.
func ifMatch(req *restful.Request) string {
	return strings.Trim(strings.TrimPrefix(req.HeaderParameter("If-Match"), "W/"), `"`)
}

func writeETag(resp *restful.Response, rev string) {
	if rev != "" {
		resp.AddHeader("ETag", `"`+rev+`"`)
	}
}

// Handler assembles the REST API, its OpenAPI document, the metrics
// endpoint and the console and file handlers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	rc := restful.NewContainer()
	rc.ServeMux = mux
	rc.Add(s.webService())

	config := restfulspec.Config{
		WebServices: rc.RegisteredWebServices(),
		APIPath:     "/apidocs.json",
	}
	rc.Add(restfulspec.NewOpenAPIService(config))

	mux.Handle("/metrics", s.orch.Metrics().Handler())
	mux.HandleFunc("/ws/v1/exec", s.HandleExecWs)
	mux.HandleFunc("/ws/v1/console", s.HandleConsoleWs)
	mux.HandleFunc("/webdav/", s.HandleWebDAV)
	return mux
}

// Run serves until ctx is done, then waits for in flight requests and
// scheduled cleanups.
func (s *Server) Run(ctx context.Context, listen string) error {
	srv := &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.WithField("listen", listen).Info("listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.orch.Wait()
	return err
}
