package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/reloadpet/reloadpet/internal/rpframe"
	"github.com/reloadpet/reloadpet/internal/rpstore"
)

var (
	ErrDeniedAddress = xerrors.New("This address is denied.")
	ErrInternalError = xerrors.New("An internal error has occurred. Please report this to the server operator.")
	ErrNoContent     = xerrors.New("No animation is loaded yet. Please try again shortly.")
)

type Server struct {
	contentType string
	denyList    DenyList
	frameStore  *rpframe.FrameStore
	httpServer  *http.Server
	logger      *logrus.Logger
	router      *mux.Router
	visitors    rpstore.VisitorStore
}

func NewServer(logger *logrus.Logger, frameStore *rpframe.FrameStore, visitors rpstore.VisitorStore, denyList DenyList, port int, contentType string) *Server { //nolint:lll
	server := &Server{
		contentType: contentType,
		denyList:    denyList,
		frameStore:  frameStore,
		logger:      logger,
		visitors:    visitors,
	}

	router := mux.NewRouter()
	router.Use((&ContextContainerMiddleware{}).Wrapper)
	router.Use((&CanonicalLogLineMiddleware{logger: logger}).Wrapper)
	router.Use((&CORSMiddleware{}).Wrapper)
	router.Handle("/", server.wrapEndpoint(server.handlePet)).Methods(http.MethodGet)
	router.Handle("/healthz", server.wrapEndpoint(server.handleHealthz)).Methods(http.MethodGet)

	server.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,

		// Specified to prevent the "Slowloris" DOS attack, in which an attacker
		// sends many partial requests to exhaust a target server's connections.
		//
		// https://en.wikipedia.org/wiki/Slowloris_(computer_security)
		ReadHeaderTimeout: 5 * time.Second,
	}
	server.router = router

	return server
}

func (s *Server) Start() error {
	s.logger.Infof("Listening on %s", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return xerrors.Errorf("error listening on %s: %w", s.httpServer.Addr, err)
	}

	return nil
}

// The single pet endpoint. Exactly two calls into the core per request: the
// visitor store for "which frame", then the frame set for its payload.
func (s *Server) handlePet(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	if ip := clientIP(r); ip != nil && s.denyList.Contains(ip.String()) {
		return nil, NewServerError(http.StatusForbidden, ErrDeniedAddress.Error())
	}

	// Snapshot the frame set once so the index computed below stays valid
	// even if a rotation swaps the animation mid-request.
	frameSet := s.frameStore.Current()
	if frameSet == nil {
		return nil, NewServerError(http.StatusServiceUnavailable, ErrNoContent.Error())
	}

	index := s.visitors.GetAndAdvance(ctx, visitorFingerprint(r), frameSet.Count())
	frame := frameSet.Get(index)

	if ctxContainer := ContextContainerFrom(ctx); ctxContainer != nil {
		ctxContainer.AnimationID = frameSet.AnimationID()
		ctxContainer.FrameIndex = index
	}

	return NewServerResponse(http.StatusOK, frame.Payload, http.Header{
		// The whole illusion depends on every page reload reaching the
		// server, so caching anywhere along the way must be defeated.
		"Cache-Control":    []string{"no-store, max-age=0"},
		"Content-Encoding": []string{"gzip"},
		"Content-Length":   []string{frame.ContentLength},
		"Content-Type":     []string{s.contentType},
	}), nil
}

func (s *Server) handleHealthz(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	if s.frameStore.Current() == nil {
		return nil, NewServerError(http.StatusServiceUnavailable, ErrNoContent.Error())
	}

	return NewServerResponse(http.StatusOK, []byte("ok"), nil), nil
}

type ServerResponse struct {
	Body       []byte
	Header     http.Header
	StatusCode int
}

func NewServerResponse(statusCode int, body []byte, header http.Header) *ServerResponse {
	return &ServerResponse{Body: body, Header: header, StatusCode: statusCode}
}

func (s *Server) wrapEndpoint(h func(ctx context.Context, r *http.Request) (*ServerResponse, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeStatus := func(statusCode int) {
			if ctxContainer := ContextContainerFrom(r.Context()); ctxContainer != nil {
				ctxContainer.StatusCode = statusCode
			}
			w.WriteHeader(statusCode)
		}

		resp, err := h(r.Context(), r)
		if err != nil {
			w.Header().Set("Content-Type", "text/plain")

			var serverErr *ServerError
			if errors.As(err, &serverErr) {
				writeStatus(serverErr.StatusCode)
				_, _ = w.Write([]byte(err.Error()))
				return
			}

			s.logger.Errorf("Internal error serving %s %s: %v", r.Method, r.URL.Path, err)
			writeStatus(http.StatusInternalServerError)
			_, _ = w.Write([]byte(ErrInternalError.Error()))
			return
		}

		if len(resp.Header) > 0 {
			for k, vs := range resp.Header {
				for _, v := range vs {
					w.Header().Add(k, v)
				}
			}
		}

		if resp.StatusCode != 0 {
			writeStatus(resp.StatusCode)
		}

		_, _ = w.Write(resp.Body)
	})
}

type ServerError struct {
	Message    string
	StatusCode int
}

func NewServerError(statusCode int, message string) *ServerError {
	return &ServerError{StatusCode: statusCode, Message: message}
}

func (e *ServerError) Error() string {
	return e.Message
}
