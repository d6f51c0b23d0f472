package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ambient-scribe-be/internal/bootstrap"
	"ambient-scribe-be/internal/config"
	"ambient-scribe-be/internal/server"
	"ambient-scribe-be/internal/tracer"
	"ambient-scribe-be/pkg/database"

	"gorm.io/gorm"
)

func main() {
	// 0. Initialize Tracer (OTEL_ENABLED=true)
	shutdownTracer := tracer.InitTracer()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(ctx)
	}()

	// 1. Load Configuration
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Initialize Database (cycle history is optional)
	var gormDB *gorm.DB
	if cfg.Database.Connection != "" {
		db, err := database.NewGormDBFromDSN(cfg.Database.Connection, cfg.App.Environment != "production")
		if err != nil {
			log.Panicf("Unable to connect to GORM DB: %v", err)
		}
		gormDB = db
	} else {
		log.Println("[WARN] DB_CONNECTION_STRING empty, cycle history disabled")
	}

	// 3. Bootstrap Dependencies (Container)
	container := bootstrap.NewContainer(ctx, gormDB, cfg)
	defer container.Close()

	// 4. Start Background Services
	log.Println("Background: Starting Render Queue...")
	if err := container.RenderQueueService.Consume(ctx, container.CaptureService); err != nil {
		log.Printf("Background Render Queue Error: %v", err)
	}
	if container.EffectDispatchService != nil {
		log.Println("Background: Starting Effect Dispatcher...")
		if err := container.EffectDispatchService.Start(ctx); err != nil {
			log.Printf("Background Effect Dispatcher Error: %v", err)
		}
	}

	// 5. Initialize Server
	srv := server.New(cfg, container)

	go func() {
		<-ctx.Done()
		log.Println("Shutting down...")
		if err := srv.Shutdown(); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	// 6. Run Server
	if err := srv.Run(); err != nil {
		log.Printf("Server stopped: %v", err)
	}
}
