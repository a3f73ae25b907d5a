package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"eduvision/internal/clock"
	"eduvision/internal/config"
	"eduvision/internal/httpmiddleware"
	"eduvision/internal/localstore"
	"eduvision/internal/metrics"
	"eduvision/internal/model"
	"eduvision/internal/queue"
	"eduvision/internal/refcache"
	"eduvision/internal/remotestore"
	"eduvision/internal/schedule"
	"eduvision/internal/session"
	"eduvision/internal/store"
	"eduvision/internal/syncengine"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("engine failed: %v", err)
	}
}

func run(cfg config.App) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	local, err := localstore.New(cfg.LocalDBPath)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	defer local.Close()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("warning: central db not reachable: %v (starting offline)", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(256)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "eduvision:observations")
	}

	cache := refcache.New(local)
	if err := cache.Refresh(); err != nil {
		log.Printf("warning: reference cache not loaded: %v", err)
	}

	clk := clock.Real{}
	validator := schedule.New(cache, schedule.MatcherFor(cfg.RoomMatch), cfg.PreArrivalWindow, cfg.LateThreshold)
	mgr := session.NewManager(session.NewMemoryStore(), local, validator, cache, clk, session.Config{
		CameraRoomMap:  cfg.CameraRoomMap,
		MinConfidence:  cfg.MinConfidence,
		AbsenceTimeout: cfg.AbsenceTimeout,
		CloseGrace:     cfg.CloseGrace,
		LogUnscheduled: cfg.LogUnscheduled,
		RecordAbsences: cfg.RecordAbsences,
	})

	engine := syncengine.New(local, remotestore.New(db.Client), cache, clk, syncengine.Config{
		Batch:         cfg.SyncBatch,
		RetentionDays: cfg.SyncRetentionDays,
	})
	engine.OnResult = func(direction string, res syncengine.Result, err error) {
		result := "ok"
		if err != nil || res.Failed() {
			result = "error"
		}
		metrics.SyncRuns.WithLabelValues(direction, result).Inc()
		if direction == "push" {
			metrics.RecordsSynced.Add(float64(res.RecordsSynced))
		}
		if stats, serr := local.Stats(); serr == nil {
			metrics.PendingRecords.Set(float64(stats.PendingRecords))
		}
	}

	events, err := q.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init: %w", err)
	}
	go consumeLoop(events, mgr)

	go sweepLoop(ctx, mgr, cfg.SweepInterval)

	if cfg.SyncInterval > 0 {
		go engine.Run(ctx, cfg.SyncInterval)
	} else {
		log.Println("periodic sync disabled, push/pull via API only")
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		stats, statsErr := local.Stats()
		status := http.StatusOK
		if statsErr != nil {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"status":        "ok",
			"db":            db.Healthy(c.Request.Context()),
			"redis":         redisClient.Healthy(c.Request.Context()),
			"local_records": stats.Records,
			"cache_age_sec": int(time.Since(cache.LastRefresh()).Seconds()),
		})
	})

	v1 := r.Group("/v1")

	v1.POST("/observations", func(c *gin.Context) {
		var req struct {
			Identity   string    `json:"identity"`
			Confidence float64   `json:"confidence"`
			CameraID   string    `json:"camera_id" binding:"required"`
			Location   string    `json:"location"`
			Timestamp  time.Time `json:"timestamp"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		evt := model.ObservationEvent{
			Identity:   req.Identity,
			Confidence: req.Confidence,
			CameraID:   req.CameraID,
			Location:   req.Location,
			Timestamp:  req.Timestamp,
		}
		if err := q.Publish(c.Request.Context(), evt); err != nil {
			log.Printf("queue publish failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"queued": true})
	})

	v1.GET("/cameras/:id/verdicts", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"verdicts": mgr.Verdicts(c.Param("id"))})
	})

	v1.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sessions": mgr.Sessions()})
	})

	v1.GET("/records", func(c *gin.Context) {
		date := c.Query("date")
		limit := 100
		if v := c.Query("limit"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				limit = parsed
			}
		}
		var synced *bool
		if v := c.Query("synced"); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "synced must be a bool"})
				return
			}
			synced = &parsed
		}
		records, err := local.Records(date, synced, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	v1.GET("/identities", func(c *gin.Context) {
		ids, err := local.Identities()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"identities": ids})
	})

	// Locally authored identities queue for reverse push; the central copy
	// wins if the id already exists there.
	v1.POST("/identities", func(c *gin.Context) {
		var req struct {
			FirstName  string `json:"first_name" binding:"required"`
			LastName   string `json:"last_name" binding:"required"`
			FolderName string `json:"folder_name"`
			Role       string `json:"role"`
			CollegeID  string `json:"college_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ident := model.Identity{
			FirstName:  req.FirstName,
			LastName:   req.LastName,
			FolderName: req.FolderName,
			Role:       req.Role,
			CollegeID:  req.CollegeID,
		}
		if err := local.CreateIdentity(&ident); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := cache.Refresh(); err != nil {
			log.Printf("cache refresh after identity create failed: %v", err)
		}
		c.JSON(http.StatusCreated, ident)
	})

	v1.GET("/schedules", func(c *gin.Context) {
		scheds, err := local.Schedules()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"schedules": scheds})
	})

	v1.GET("/schedules/current", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"schedules": cache.AllCurrentSchedules(clk.Now())})
	})

	v1.POST("/schedules", func(c *gin.Context) {
		var req struct {
			IdentityID  string   `json:"identity_id" binding:"required"`
			CourseCode  string   `json:"course_code" binding:"required"`
			CourseTitle string   `json:"course_title"`
			Room        string   `json:"room" binding:"required"`
			Start       string   `json:"start_time" binding:"required"`
			End         string   `json:"end_time" binding:"required"`
			Days        []string `json:"days"`
			TermStart   string   `json:"term_start"`
			TermEnd     string   `json:"term_end"`
			SectionID   string   `json:"section_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ident, ok := cache.IdentityByID(req.IdentityID)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown identity_id"})
			return
		}
		if _, known := cache.RoomByName(req.Room); !known {
			log.Printf("schedule create: room %q not in reference data", req.Room)
		}

		entry := model.ScheduleEntry{
			IdentityID:     req.IdentityID,
			InstructorName: ident.DisplayName(),
			CourseCode:     req.CourseCode,
			CourseTitle:    req.CourseTitle,
			Room:           req.Room,
			SectionID:      req.SectionID,
			Days:           make(model.Weekdays),
		}
		start, err := model.ParseTimeOfDay(req.Start)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		end, err := model.ParseTimeOfDay(req.End)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if end <= start {
			c.JSON(http.StatusBadRequest, gin.H{"error": "end_time must be after start_time"})
			return
		}
		entry.Start, entry.End = start, end
		for _, d := range req.Days {
			entry.Days[d] = true
		}
		if req.TermStart != "" {
			if entry.TermStart, err = time.Parse(model.DateLayout, req.TermStart); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		if req.TermEnd != "" {
			if entry.TermEnd, err = time.Parse(model.DateLayout, req.TermEnd); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		if err := local.CreateSchedule(&entry); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if err := cache.Refresh(); err != nil {
			log.Printf("cache refresh after schedule create failed: %v", err)
		}
		c.JSON(http.StatusCreated, entry)
	})

	v1.POST("/sync/pull", func(c *gin.Context) {
		res, err := engine.Pull(c.Request.Context())
		syncResponse(c, res, err)
	})

	v1.POST("/sync/push", func(c *gin.Context) {
		res, err := engine.Push(c.Request.Context())
		syncResponse(c, res, err)
	})

	v1.GET("/sync/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, engine.Status())
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("engine listening on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("forced shutdown: %v", err)
	}

	// one last push so records finalized during shutdown are not stranded
	if _, err := engine.Push(shutdownCtx); err != nil && !errors.Is(err, syncengine.ErrInFlight) {
		log.Printf("final push failed: %v", err)
	}

	log.Println("engine exited")
	return nil
}

// consumeLoop feeds queued observations through the session manager.
func consumeLoop(events <-chan model.ObservationEvent, mgr *session.Manager) {
	for evt := range events {
		verdict, err := mgr.HandleObservation(evt)
		switch {
		case errors.Is(err, session.ErrUnresolvedIdentity):
			metrics.ObservationsDropped.WithLabelValues("unresolved").Inc()
		case errors.Is(err, session.ErrLowConfidence):
			metrics.ObservationsDropped.WithLabelValues("low_confidence").Inc()
		case errors.Is(err, session.ErrOutOfOrder):
			metrics.ObservationsDropped.WithLabelValues("out_of_order").Inc()
		case errors.Is(err, session.ErrRecordWrite):
			metrics.ObservationsDropped.WithLabelValues("record_write").Inc()
		case err != nil:
			metrics.ObservationsDropped.WithLabelValues("other").Inc()
			log.Printf("observation dropped: %v", err)
		default:
			outcome := "unscheduled"
			if verdict.IsValidSchedule {
				outcome = "valid"
				if verdict.IsLate {
					outcome = "late"
				}
			}
			metrics.ObservationsProcessed.WithLabelValues(outcome).Inc()
		}
	}
	log.Println("observation consumer stopped")
}

// sweepLoop drives the absence sweep on a fixed interval.
func sweepLoop(ctx context.Context, mgr *session.Manager, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			mgr.Sweep()
			metrics.OpenSessions.Set(float64(mgr.OpenCount()))
		case <-ctx.Done():
			return
		}
	}
}

func syncResponse(c *gin.Context, res syncengine.Result, err error) {
	switch {
	case errors.Is(err, syncengine.ErrInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "partial": res})
	default:
		c.JSON(http.StatusOK, res)
	}
}

// CORS middleware for the faculty dashboard.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
