package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"taskbridge/adapters"
	"taskbridge/analysis"
	"taskbridge/destination"
	"taskbridge/discussion"
	"taskbridge/feed"
	"taskbridge/flows"
	"taskbridge/processor"
	"taskbridge/store"
)

type HealthResponse struct {
	OK      bool   `json:"ok"`
	Version string `json:"version"`
	Service string `json:"service"`
}

const VERSION = "0.1.0"

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	log.Println("Starting TaskBridge server...")

	redisClient, err := newRedisFromEnv()
	if err != nil {
		log.Fatalf("Failed to configure Redis: %v", err)
	}
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Println("Connected to Redis")

	flowsPath := getEnv("FLOWS_CONFIG_PATH", "flows.yaml")
	flowRegistry, err := flows.Load(flowsPath)
	if err != nil {
		log.Fatalf("Failed to load flow configuration from %s: %v", flowsPath, err)
	}
	log.Printf("Loaded %d flow(s) from %s", len(flowRegistry.Flows()), flowsPath)

	analyzer, err := analysis.NewAnalyzerFromEnv()
	if err != nil {
		log.Fatalf("Failed to init analyzer: %v", err)
	}

	registry := discussion.NewRegistry(
		adapters.NewSlackAdapter(),
		adapters.NewFigmaAdapter(),
		adapters.NewNotionAdapter(),
	)

	records := store.NewRecordStore(redisClient)
	bus := feed.NewBus(redisClient)
	creator := destination.NewCreator()

	proc := processor.New(registry, flowRegistry, records, analyzer, creator, bus, processor.Options{
		InFlightTTL: parseDurationOrDefault(os.Getenv("INFLIGHT_TTL"), 10*time.Minute),
	})

	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthHandler).Methods("GET")
	r.HandleFunc("/", rootHandler).Methods("GET")

	registerWebhookRoutes(r, registry, flowRegistry, proc)
	registerAuditRoutes(r, records)
	registerFeedRoutes(r, bus)

	port := getEnv("PORT", "8080")
	srv := &http.Server{
		Handler:      r,
		Addr:         "0.0.0.0:" + port,
		WriteTimeout: 180 * time.Second,
		ReadTimeout:  180 * time.Second,
	}

	log.Printf("TaskBridge server v%s starting on %s", VERSION, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}

func newRedisFromEnv() (*redis.Client, error) {
	url := strings.TrimSpace(os.Getenv("REDIS_URL"))
	if url == "" {
		url = "redis://localhost:6379"
	}
	if !strings.Contains(url, "://") {
		url = "redis://" + url
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := HealthResponse{
		OK:      true,
		Version: VERSION,
		Service: "taskbridge",
	}

	json.NewEncoder(w).Encode(response)
}

func rootHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	response := map[string]string{
		"message": "TaskBridge API Server",
		"version": VERSION,
	}

	json.NewEncoder(w).Encode(response)
}

// Helper function to get environment variable with default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseDurationOrDefault(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}
