package bootstrap

import (
	"context"
	"log"

	"ambient-scribe-be/internal/config"
	"ambient-scribe-be/internal/controller"
	"ambient-scribe-be/internal/handler"
	"ambient-scribe-be/internal/pkg/logger"
	"ambient-scribe-be/internal/pkg/mailer"
	"ambient-scribe-be/internal/repository/contract"
	"ambient-scribe-be/internal/repository/memory"
	redisRepo "ambient-scribe-be/internal/repository/redis"
	"ambient-scribe-be/internal/repository/unitofwork"
	"ambient-scribe-be/internal/service"
	"ambient-scribe-be/internal/websocket"
	"ambient-scribe-be/pkg/blob"
	blobMemory "ambient-scribe-be/pkg/blob/memory"
	blobS3 "ambient-scribe-be/pkg/blob/s3"
	captureEvents "ambient-scribe-be/pkg/capture/events"
	"ambient-scribe-be/pkg/capture/session"
	"ambient-scribe-be/pkg/ehr"
	pkgEvents "ambient-scribe-be/pkg/events"
	"ambient-scribe-be/pkg/llm/factory"
	"ambient-scribe-be/pkg/scribe"

	pktNats "ambient-scribe-be/pkg/nats"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Container struct {
	// Controllers
	CaptureController controller.ICaptureController

	// Background Services (Exposed for main.go to run)
	CaptureService        service.ICaptureService
	RenderQueueService    service.IRenderQueueService
	EffectDispatchService *service.EffectDispatchService

	// WebSockets & Progress
	ProgressHandler *handler.ProgressHandler
	WebSocketHub    *websocket.Hub

	Logger logger.ILogger

	closers []func()
}

func NewContainer(ctx context.Context, db *gorm.DB, cfg *config.Config) *Container {
	// 1. Core Facades
	var uowFactory unitofwork.RepositoryFactory
	if db != nil {
		uowFactory = unitofwork.NewRepositoryFactory(db)
	}
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")
	c := &Container{Logger: sysLogger}

	alertService := mailer.NewAlertService(
		cfg.SMTP.Host,
		cfg.SMTP.Port,
		cfg.SMTP.Email,
		cfg.SMTP.Password,
		cfg.SMTP.Email,
		cfg.SMTP.SenderName,
		cfg.SMTP.AlertTo,
	)

	// 2. Event Bus
	watermillLogger := watermill.NewStdLogger(false, false)
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 64},
		watermillLogger,
	)
	c.closers = append(c.closers, func() { _ = pubSub.Close() })

	// 3. Infrastructure
	// Redis
	var rdb *redis.Client
	if cfg.App.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.App.RedisURL)
		if err != nil {
			log.Printf("[WARN] Failed to parse Redis URL: %v. Using direct Addr", err)
			opt = &redis.Options{
				Addr: cfg.App.RedisURL,
			}
		}
		rdb = redis.NewClient(opt)
		if _, err := rdb.Ping(ctx).Result(); err != nil {
			log.Fatalf("[FATAL] Failed to connect to Redis: %v", err)
		}
		c.closers = append(c.closers, func() { _ = rdb.Close() })
	}

	var (
		stopAndGoRepo contract.StopAndGoRepository
		sdkCacheRepo  contract.SdkCacheRepository
	)
	if rdb != nil {
		stopAndGoRepo = redisRepo.NewStopAndGoRepository(rdb, cfg.Session.StopAndGoTTL)
		sdkCacheRepo = redisRepo.NewSdkCacheRepository(rdb, cfg.Session.SdkCacheTTL)
	} else {
		log.Printf("[WARN] REDIS_URL empty, session state is local to this process")
		stopAndGoRepo = memory.NewStopAndGoRepository(cfg.Session.StopAndGoTTL)
		sdkCacheRepo = memory.NewSdkCacheRepository(cfg.Session.SdkCacheTTL)
	}
	discussionRepo := memory.NewDiscussionRepository(cfg.Session.DiscussionTTL)

	// Object storage
	var blobs blob.Store
	if cfg.Storage.Driver == string(blob.DriverMemory) {
		log.Printf("[WARN] STORAGE_DRIVER=memory, audit trail is not persisted")
		blobs = blobMemory.New()
	} else {
		s3Store, err := blobS3.New(ctx, blobS3.Config{
			Region:    cfg.Storage.Region,
			Bucket:    cfg.Storage.Bucket,
			Endpoint:  cfg.Storage.Endpoint,
			PathStyle: cfg.Storage.PathStyle,
		})
		if err != nil {
			log.Fatalf("[FATAL] Failed to initialize S3 storage: %v", err)
		}
		blobs = s3Store
	}

	// NATS
	var (
		eventBus pkgEvents.Publisher
		natsSub  *pktNats.Subscriber
	)
	if cfg.App.NatsURL != "" {
		natsPub, err := pktNats.NewPublisher(cfg.App.NatsURL)
		if err != nil {
			log.Printf("[WARN] Failed to connect to NATS Publisher: %v", err)
		} else {
			eventBus = natsPub
			c.closers = append(c.closers, natsPub.Close)
		}
		natsSub, err = pktNats.NewSubscriber(cfg.App.NatsURL, sysLogger)
		if err != nil {
			log.Printf("[WARN] Failed to connect to NATS Subscriber: %v", err)
		} else {
			c.closers = append(c.closers, natsSub.Close)
		}
	} else {
		log.Printf("[WARN] NATS_URL empty, effects go straight to the EHR")
	}

	// LLM
	llmProvider, err := factory.NewLLMProvider(cfg.Ai, cfg.Keys)
	if err != nil {
		log.Fatalf("[FATAL] Failed to initialize LLM Provider: %v", err)
	}
	transcriber := factory.NewTranscriber(cfg.Ai, cfg.Keys)
	log.Printf("[INFO] Using LLM Provider: %s (%s)", cfg.Ai.LLMProvider, cfg.Ai.LLMModel)

	ehrClient := ehr.NewClient(cfg.Ehr.BaseURL, cfg.Ehr.ClientToken, cfg.Ehr.Timeout)

	// WebSocket Hub
	wsLogger := logger.NewIsolatedLogger(cfg.App.ProgressLogPath)
	wsHub := websocket.NewHub(rdb, wsLogger)
	go wsHub.Run(ctx)

	// 4. Services
	renderQueue := service.NewRenderQueueService(pubSub, pubSub, cfg.Session.RenderTopic, sysLogger)

	captureService := service.NewCaptureService(service.CaptureDependencies{
		Instance:    cfg.Ehr.Instance,
		Sessions:    session.NewManager(stopAndGoRepo, cfg.Session.MaxWaitingCycles, sysLogger),
		Discussions: discussionRepo,
		SdkCache:    sdkCacheRepo,
		Blobs:       blobs,
		Interpreter: scribe.NewInterpreter(llmProvider, transcriber, sysLogger),
		Events:      captureEvents.NewNatsPublisher(eventBus, sysLogger),
		Ehr:         ehrClient,
		Progress:    wsHub,
		Alerts:      alertService,
		RenderQueue: renderQueue,
		UowFactory:  uowFactory,
		Logger:      sysLogger,
	})

	if natsSub != nil {
		c.EffectDispatchService = service.NewEffectDispatchService(natsSub, ehrClient, cfg.Ehr.EffectsTopic, sysLogger)
	}

	progressHandler := handler.NewProgressHandler(wsHub, wsLogger)

	// 5. Controllers
	c.CaptureService = captureService
	c.RenderQueueService = renderQueue
	c.ProgressHandler = progressHandler
	c.WebSocketHub = wsHub
	c.CaptureController = controller.NewCaptureController(captureService, progressHandler)
	return c
}

// Close releases the connections opened by NewContainer, last opened first.
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	_ = c.Logger.Sync()
}
