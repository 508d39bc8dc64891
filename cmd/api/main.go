package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"studygate.org/internal/actions"
	"studygate.org/internal/directory"
	"studygate.org/internal/httpapi"
	"studygate.org/internal/keys"
	"studygate.org/internal/obs"
	"studygate.org/internal/stream"
	"studygate.org/internal/study"
	"studygate.org/internal/study/pg"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	var (
		db    *sql.DB
		store study.Store
	)
	if dsn := os.Getenv("STUDYGATE_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		store = pgStore
		db = pgStore.DB()
	} else {
		log.Println("STUDYGATE_PG_DSN not set, using in-memory store")
		store = study.NewInMemory()
	}

	events := stream.New()
	registry := actions.NewRegistry(actions.Deps{
		Store:          store,
		Keys:           keys.NewStore(),
		Directory:      directory.NewStore(),
		Stream:         events,
		SkipImageBuild: os.Getenv("STUDYGATE_SKIP_IMAGE_BUILD") == "true",
	})

	probe := httpapi.ReadyProbe{DB: db}
	api := httpapi.New(httpapi.Options{
		Registry:   registry,
		Stream:     events,
		ReadyProbe: probe,
		Version:    version,
		DevTokens:  os.Getenv("STUDYGATE_DEV_TOKENS") == "true",
	})

	handler := httpapi.RequestID(
		httpapi.LoggingJSON(
			httpapi.SecurityHeaders(
				httpapi.CORS(
					httpapi.MaxBodyBytes(
						httpapi.RateLimit(api.Handler(), 50, 25),
						1<<20,
					)))))

	srv := &http.Server{
		Addr:              ":8080",
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting studygate-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	// Optional gRPC health endpoint for balancers that probe gRPC.
	var stopGRPC func()
	if addr := os.Getenv("STUDYGATE_GRPC_ADDR"); addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv, stop := httpapi.NewGRPCServer(probe)
		stopGRPC = func() {
			stop()
			grpcSrv.GracefulStop()
		}
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				log.Printf("grpc serve: %v", err)
			}
		}()
		log.Printf("gRPC health on %s", addr)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if stopGRPC != nil {
		stopGRPC()
	}
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}
