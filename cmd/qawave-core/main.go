// qawave-core server - drives QA package Runs through the pipeline and
// exposes a thin HTTP trigger/status/health surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/hermanngeorge15/qawave-core/pkg/aiclient"
	"github.com/hermanngeorge15/qawave-core/pkg/database"
	"github.com/hermanngeorge15/qawave-core/pkg/dbrepo"
	"github.com/hermanngeorge15/qawave-core/pkg/eventbus"
	"github.com/hermanngeorge15/qawave-core/pkg/httpexec"
	"github.com/hermanngeorge15/qawave-core/pkg/journal"
	"github.com/hermanngeorge15/qawave-core/pkg/orchestrator"
	"github.com/hermanngeorge15/qawave-core/pkg/orphan"
	"github.com/hermanngeorge15/qawave-core/pkg/retention"
	"github.com/hermanngeorge15/qawave-core/pkg/run"
	"github.com/hermanngeorge15/qawave-core/pkg/runconfig"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// triggerRequest is the JSON body POST /runs accepts. It stays a flat
// struct with no validation tags of its own beyond what runconfig
// already enforces on the embedded Config, matching the "no DTO layer"
// constraint on this surface.
type triggerRequest struct {
	Name            string             `json:"name"`
	RequirementText string             `json:"requirementText"`
	BaseURL         string             `json:"baseUrl"`
	SpecSource      run.SpecSourceKind `json:"specSource"`
	SpecLocation    string             `json:"specLocation"`
	Mode            run.Mode           `json:"mode"`
	Config          *runconfig.RunConfig `json:"config"`
	TriggeredBy     string             `json:"triggeredBy"`
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	ginMode := getEnv("GIN_MODE", "debug")
	gin.SetMode(ginMode)

	log.Printf("Starting qawave-core")
	log.Printf("HTTP Port: %s", httpPort)

	ctx := context.Background()

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbClient.Close()
	log.Println("connected to postgres, migrations applied")

	repo := dbrepo.NewPostgres(dbClient.Pool())

	bus := eventbus.New(dbDSN(dbConfig))
	if err := bus.Start(ctx); err != nil {
		log.Fatalf("Failed to start event bus listener: %v", err)
	}
	defer bus.Stop(ctx)
	publisher := eventbus.NewPublisher(eventbus.NewPool(dbClient.Pool()))
	j := journal.New(repo, publisher)

	provider, err := aiclient.NewGRPCProvider(getEnv("AI_PROVIDER_ADDR", "localhost:50051"), getEnv("AI_PROVIDER_METHOD", "/qawave.ai.v1.Generator/Complete"))
	if err != nil {
		log.Fatalf("Failed to dial AI provider: %v", err)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Repo:       repo,
		Journal:    j,
		AIProvider: provider,
		HTTPClient: httpexec.NewClient(),
	})

	orphanSweeper := orphan.New(orphan.DefaultConfig(), repo)
	orphanSweeper.Start(ctx)
	defer orphanSweeper.Stop()

	retentionSvc := retention.New(retention.DefaultConfig(), repo, repo)
	retentionSvc.Start(ctx)
	defer retentionSvc.Stop()

	router := gin.Default()
	registerRoutes(router, dbClient, repo, orch)

	log.Printf("HTTP server listening on :%s", httpPort)
	if err := router.Run(":" + httpPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

func registerRoutes(router *gin.Engine, dbClient *database.Client, repo dbrepo.Repo, orch *orchestrator.Orchestrator) {
	router.GET("/health", func(c *gin.Context) {
		reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		dbHealth, err := database.Health(reqCtx, dbClient.DB())
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": dbHealth, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": dbHealth})
	})

	router.POST("/runs", func(c *gin.Context) {
		var req triggerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cfg := runconfig.DefaultRunConfig()
		if req.Config != nil {
			cfg = *req.Config
		}
		if err := cfg.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		cfgJSON, err := json.Marshal(cfg)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		mode := req.Mode
		if mode == "" {
			mode = run.ModeStandard
		}
		r := run.New(req.Name, req.RequirementText, req.BaseURL, req.SpecSource, req.SpecLocation, mode, run.RunConfigRef{JSON: cfgJSON}, req.TriggeredBy)
		if err := repo.CreateRun(c.Request.Context(), r); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		go func(runID uuid.UUID) {
			if err := orch.Execute(context.Background(), runID); err != nil {
				log.Printf("run %s: execute returned error: %v", runID, err)
			}
		}(r.ID)

		c.JSON(http.StatusAccepted, gin.H{"id": r.ID, "status": r.Status})
	})

	router.GET("/runs/:id", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}
		r, err := repo.GetRun(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, r)
	})

	router.POST("/runs/:id/cancel", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}
		if !orch.Cancel(id) {
			c.JSON(http.StatusConflict, gin.H{"error": "run is not active on this replica"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "cancelling"})
	})

	router.POST("/runs/:id/replay", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}
		var body struct {
			BaseURLOverride string `json:"baseUrlOverride"`
			TriggeredBy     string `json:"triggeredBy"`
		}
		_ = c.ShouldBindJSON(&body)

		newRunID, err := orch.Replay(c.Request.Context(), id, body.BaseURLOverride, body.TriggeredBy)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": newRunID})
	})
}

// dbDSN builds the libpq keyword=value connection string eventbus.Bus
// needs for its dedicated LISTEN connection, matching
// pkg/database/client.go's own unexported dsn() format.
func dbDSN(cfg database.Config) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
}
