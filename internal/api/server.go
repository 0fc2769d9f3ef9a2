package api

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"binance-grid-engine-go/internal/engine"
	"binance-grid-engine-go/internal/models"
	"binance-grid-engine-go/internal/report"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server 暴露策略管理的HTTP控制面。只做进程内调用的薄封装，
// 所有业务规则都在 Supervisor 和 Runner 里。
type Server struct {
	sup  *engine.Supervisor
	log  *zap.Logger
	http *http.Server
}

// NewServer 创建API服务。
func NewServer(sup *engine.Supervisor, addr string, logger *zap.Logger) *Server {
	s := &Server{sup: sup, log: logger.Named("api")}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(s.requestLogger(), gin.Recovery())

	router.GET("/healthz", s.health)
	api := router.Group("/api")
	{
		api.GET("/strategies", s.listStrategies)
		api.POST("/strategies", s.createStrategy)
		api.GET("/strategies/:id", s.getStrategy)
		api.GET("/strategies/:id/orders", s.listOrders)
		api.POST("/strategies/:id/pause", s.pauseStrategy)
		api.POST("/strategies/:id/resume", s.resumeStrategy)
		api.DELETE("/strategies/:id", s.deleteStrategy)
		api.GET("/report", s.textReport)
	}

	s.http = &http.Server{Addr: addr, Handler: router}
	return s
}

// Run 启动HTTP监听, 阻塞直到服务关闭。
func (s *Server) Run() error {
	s.log.Info("API服务启动", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown 优雅关闭HTTP服务。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler 暴露路由, 供测试直接调用。
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http请求",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("cost", time.Since(start)),
		)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// sanitize 抹掉凭证: api_secret 永不外泄, api_key 只留尾部4位。
func sanitize(strategy models.GridStrategy) models.GridStrategy {
	strategy.APISecret = ""
	if len(strategy.APIKey) > 4 {
		strategy.APIKey = "****" + strategy.APIKey[len(strategy.APIKey)-4:]
	}
	return strategy
}

func (s *Server) listStrategies(c *gin.Context) {
	strategies, err := s.sup.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]models.GridStrategy, 0, len(strategies))
	for _, strategy := range strategies {
		out = append(out, sanitize(strategy))
	}
	c.JSON(http.StatusOK, gin.H{"strategies": out})
}

func (s *Server) createStrategy(c *gin.Context) {
	var strategy models.GridStrategy
	if err := c.ShouldBindJSON(&strategy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := s.sup.Create(&strategy)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"strategy": sanitize(*created)})
}

func (s *Server) getStrategy(c *gin.Context) {
	strategy, err := s.sup.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if strategy == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "策略不存在"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy": sanitize(*strategy)})
}

func (s *Server) listOrders(c *gin.Context) {
	strategy, err := s.sup.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if strategy == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "策略不存在"})
		return
	}
	orders, err := s.sup.Orders(strategy.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if orders == nil {
		orders = []*models.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// textReport 输出人类可读的策略汇总表, 方便在终端里 curl 查看。
func (s *Server) textReport(c *gin.Context) {
	strategies, err := s.sup.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	var buf bytes.Buffer
	report.Strategies(&buf, strategies)
	c.Data(http.StatusOK, "text/plain; charset=utf-8", buf.Bytes())
}

func (s *Server) pauseStrategy(c *gin.Context) {
	if err := s.sup.Pause(c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

func (s *Server) resumeStrategy(c *gin.Context) {
	if err := s.sup.Resume(c.Param("id")); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (s *Server) deleteStrategy(c *gin.Context) {
	if err := s.sup.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
