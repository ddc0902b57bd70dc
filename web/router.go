package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deemkeen/fedicore/activitypub"
	"github.com/deemkeen/fedicore/domain"
	"github.com/deemkeen/fedicore/objects"
	"github.com/deemkeen/fedicore/util"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Max 1MB request body size for ActivityPub activities
const maxActivityBytes = 1 * 1024 * 1024

type AccountStore interface {
	ReadAccByUsername(ctx context.Context, username string) (*domain.Account, error)
}

type ObjectReader interface {
	GetByLocalID(ctx context.Context, localID string) (*domain.Object, error)
	GetThread(ctx context.Context, contextID string) ([]domain.Object, error)
	Timeline(ctx context.Context, f domain.ObjectFilter, cursor string) (*objects.Page, error)
}

type PublicTimeline interface {
	Public(ctx context.Context, localOnly bool, cursor string) (*objects.Page, error)
}

type ActivityStore interface {
	ReadOutboxActivities(ctx context.Context, actorURI string, limit, offset int) ([]domain.Activity, error)
	CountOutboxActivities(ctx context.Context, actorURI string) (int, error)
}

type FollowGraph interface {
	Followers(ctx context.Context, actor string) ([]string, error)
	Following(ctx context.Context, actor string) ([]string, error)
}

type InboxHandler interface {
	Authenticate(ctx context.Context, r *http.Request, body []byte) (string, error)
	Process(ctx context.Context, signer string, body []byte) error
}

// Services are the components the HTTP surface reads from and writes to.
type Services struct {
	Accounts   AccountStore
	Objects    ObjectReader
	Timeline   PublicTimeline
	Activities ActivityStore
	Follows    FollowGraph
	Inbox      InboxHandler
}

type Server struct {
	svc   Services
	links activitypub.Links
	conf  *util.AppConfig
	log   *zap.SugaredLogger
}

func NewServer(svc Services, links activitypub.Links, conf *util.AppConfig, log *zap.SugaredLogger) *Server {
	return &Server{svc: svc, links: links, conf: conf, log: log}
}

// Handler builds the gin engine. The federation endpoints are only mounted
// when withAp is enabled.
func (s *Server) Handler() *gin.Engine {
	g := gin.New()
	g.Use(gin.Recovery(), RequestLogger(s.log))
	g.Use(gzip.Gzip(gzip.DefaultCompression))

	// RSS Feed
	g.GET("/feed", s.handleFeed)
	g.GET("/feed/:id", s.handleFeedItem)

	if !s.conf.Conf.WithAp {
		return g
	}

	maxBodySize := MaxBytesMiddleware(maxActivityBytes)

	g.GET("/.well-known/webfinger", s.handleWebfinger)
	g.GET("/users/:actor", s.handleActor)
	g.GET("/users/:actor/outbox", s.handleOutbox)
	g.GET("/users/:actor/followers", s.handleFollowers)
	g.GET("/users/:actor/following", s.handleFollowing)
	g.GET("/objects/:id", s.handleObject)
	g.GET("/contexts/:id", s.handleContext)

	g.POST("/inbox", maxBodySize, s.handleSharedInbox)
	g.POST("/users/:actor/inbox", maxBodySize, s.handleUserInbox)
	return g
}

// Router serves until ctx is cancelled, then shuts down gracefully.
func Router(ctx context.Context, s *Server) error {
	addr := fmt.Sprintf(":%d", s.conf.Conf.HttpPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("Web: Listening on %s (federation enabled: %t)", addr, s.conf.Conf.WithAp)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info("Web: Shutting down")
	return srv.Shutdown(shutdownCtx)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func renderActivity(c *gin.Context, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		c.Status(http.StatusInternalServerError)
		return
	}
	c.Data(status, activitypub.ContentType+"; charset=utf-8", body)
}

func renderError(c *gin.Context, err error) {
	status := statusFor(err)
	c.JSON(status, gin.H{"error": http.StatusText(status)})
}

// account looks up the local account named by the :actor path parameter.
func (s *Server) account(c *gin.Context) (*domain.Account, bool) {
	acc, err := s.svc.Accounts.ReadAccByUsername(c.Request.Context(), c.Param("actor"))
	if err != nil {
		renderError(c, err)
		return nil, false
	}
	return acc, true
}

// publiclyReadable reports whether obj may be served without authentication.
func publiclyReadable(obj *domain.Object) bool {
	return obj.Visibility == domain.VisibilityPublic || obj.Visibility == domain.VisibilityUnlisted
}
