/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/blnkfinance/rebalancer"
	"github.com/blnkfinance/rebalancer/api/middleware"
	"github.com/blnkfinance/rebalancer/config"
	"github.com/blnkfinance/rebalancer/database"
	"github.com/blnkfinance/rebalancer/model"
)

// RunPublisher splits a run into per-user queue messages.
type RunPublisher interface {
	PublishRun(ctx context.Context, run *model.Run) (rebalancer.PublishSummary, error)
}

// ExecutionReader looks up execution ledger rows.
type ExecutionReader interface {
	GetExecution(ctx context.Context, key model.ExecutionKey) (*model.ExecutionEntry, error)
}

type Api struct {
	conf       *config.Configuration
	publisher  RunPublisher
	executions ExecutionReader
	router     *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.GET("/healthz", a.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	ops := router.Group("/")
	ops.Use(middleware.SecretKeyAuthMiddleware(a.conf))
	ops.POST("/runs", a.PublishRun)
	ops.GET("/executions/:module/:user_id/:message_key", a.GetExecution)
	return a.router
}

func NewAPI(conf *config.Configuration, publisher RunPublisher, executions ExecutionReader) *Api {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(conf.ProjectName), middleware.RateLimitMiddleware(conf))

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "rebalancer running...")
	})

	return &Api{conf: conf, publisher: publisher, executions: executions, router: r}
}

func (a Api) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// PublishRun accepts a model inference run and enqueues one message per user.
func (a Api) PublishRun(c *gin.Context) {
	var run model.Run
	if err := c.ShouldBindJSON(&run); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := run.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary, err := a.publisher.PublishRun(c.Request.Context(), &run)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if summary.Skipped {
		c.JSON(http.StatusConflict, summary)
		return
	}
	c.JSON(http.StatusAccepted, summary)
}

func (a Api) GetExecution(c *gin.Context) {
	key := model.ExecutionKey{
		Module:     model.Module(c.Param("module")),
		UserID:     c.Param("user_id"),
		MessageKey: c.Param("message_key"),
	}

	entry, err := a.executions.GetExecution(c.Request.Context(), key)
	if errors.Is(err, database.ErrExecutionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entry)
}
