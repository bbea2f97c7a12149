package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"hl-funding-arb/internal/errs"
	"hl-funding-arb/internal/logging"
	"hl-funding-arb/internal/manual"
	"hl-funding-arb/internal/state"
	"hl-funding-arb/internal/watcher"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 1000
)

type Ticker interface {
	Tick(ctx context.Context, instruments []string) []watcher.Result
}

type Opener interface {
	Open(ctx context.Context, req manual.Request) (manual.Result, error)
}

type Deps struct {
	Positions *state.Positions
	Trades    state.TradeLog
	Watcher   Ticker
	Manual    Opener
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type Server struct {
	deps   Deps
	log    *zap.Logger
	engine *gin.Engine
	srv    *http.Server
}

func New(addr string, deps Deps, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{deps: deps, log: log.Named("api")}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), logging.GinLogger(s.log))
	s.routes()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Opens wait on the venue.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	api := s.engine.Group("/api")
	{
		api.POST("/watcher/tick", s.tick)
		api.GET("/states", s.listStates)
		api.POST("/states", s.upsertState)
		api.POST("/positions/open", s.openPosition)
		api.GET("/trades", s.listTrades)
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("api shutdown failed", zap.Error(err))
		return err
	}
	return nil
}

type tickRequest struct {
	Instruments []string `json:"instruments"`
}

func (s *Server) tick(c *gin.Context) {
	if s.deps.Watcher == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "watcher is not configured"})
		return
	}
	var req tickRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Watcher.Tick(c.Request.Context(), req.Instruments))
}

func (s *Server) listStates(c *gin.Context) {
	states, err := s.deps.Positions.ListAll(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, states)
}

func (s *Server) upsertState(c *gin.Context) {
	var st state.StrategyState
	if err := c.ShouldBindJSON(&st); err != nil {
		s.badRequest(c, err)
		return
	}
	st.Instrument = state.NormalizeInstrument(st.Instrument)
	if st.Source == "" {
		st.Source = state.SourceManual
	}
	if err := st.Validate(); err != nil {
		s.fail(c, err)
		return
	}
	saved, err := s.deps.Positions.Save(c.Request.Context(), st)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (s *Server) openPosition(c *gin.Context) {
	if s.deps.Manual == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "manual entry is not configured"})
		return
	}
	var req manual.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	res, err := s.deps.Manual.Open(c.Request.Context(), req)
	if err != nil {
		body := errorBody(err)
		// A persisted perp-only position is still reported to the caller.
		if res.State.Instrument != "" {
			body["result"] = res
		}
		_ = c.Error(err)
		c.JSON(StatusFor(err), body)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listTrades(c *gin.Context) {
	if s.deps.Trades == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "trade log is not configured"})
		return
	}
	limit := defaultTradeLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.badRequest(c, errs.New(errs.InvalidParameter, "api.trades", "limit must be a positive integer"))
			return
		}
		limit = min(n, maxTradeLimit)
	}
	records, err := s.deps.Trades.List(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if records == nil {
		records = []state.TradeRecord{}
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) badRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": errs.InvalidParameter.String()})
}

func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(StatusFor(err), errorBody(err))
}

func errorBody(err error) gin.H {
	return gin.H{"error": err.Error(), "kind": errs.KindOf(err).String()}
}

// StatusFor maps an error kind onto an HTTP status.
func StatusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.InvalidParameter, errs.InvalidPrice, errs.InvalidQuantity:
		return http.StatusBadRequest
	case errs.InsufficientFundingSignal:
		return http.StatusUnprocessableEntity
	case errs.SignalUnavailable:
		return http.StatusServiceUnavailable
	case errs.VenueRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
