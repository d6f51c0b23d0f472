package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"ambient-scribe-be/internal/config"
	"ambient-scribe-be/internal/repository/implementation"
	redisRepo "ambient-scribe-be/internal/repository/redis"
	"ambient-scribe-be/internal/repository/specification"
	"ambient-scribe-be/pkg/audit"
	"ambient-scribe-be/pkg/blob"
	blobS3 "ambient-scribe-be/pkg/blob/s3"
	"ambient-scribe-be/pkg/database"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
)

// Pretty print JSON helper
func prettyPrint(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("%v\n", v)
		return
	}
	fmt.Println(string(b))
}

func main() {
	note := flag.String("note", "", "note uuid to inspect")
	day := flag.String("day", "", "creation day (YYYY-MM-DD) when the sdk cache has expired")
	turns := flag.Bool("turns", false, "print the content of every stored llm exchange")
	only := flag.Int("cycle", 0, "restrict the cycle records to one cycle")
	flag.Parse()

	if *note == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	color.Cyan("🔍 INSPECTING NOTE: %s (instance %s)", *note, cfg.Ehr.Instance)

	opt, err := redis.ParseURL(cfg.App.RedisURL)
	if err != nil {
		log.Fatalf("Error: invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	// 1. Stop and go
	color.Yellow("\n[1] Stop and go")
	sg, err := redisRepo.NewStopAndGoRepository(rdb, cfg.Session.StopAndGoTTL).Get(ctx, *note)
	if err != nil {
		color.Red("Failed: %v", err)
	} else {
		prettyPrint(sg)
	}

	// 2. Cached sdk
	color.Yellow("\n[2] Cached sdk")
	sdk, err := redisRepo.NewSdkCacheRepository(rdb, cfg.Session.SdkCacheTTL).Get(ctx, *note)
	switch {
	case err != nil:
		color.Red("Failed: %v", err)
	case sdk == nil:
		color.Red("No cached sdk (expired or never started)")
	default:
		prettyPrint(sdk)
		if *day == "" {
			*day = sdk.CreationDay()
		}
	}

	if cfg.Storage.Driver != string(blob.DriverS3) {
		color.Red("\nSTORAGE_DRIVER=%s, nothing persisted to inspect", cfg.Storage.Driver)
		return
	}
	blobs, err := blobS3.New(ctx, blobS3.Config{
		Region:    cfg.Storage.Region,
		Bucket:    cfg.Storage.Bucket,
		Endpoint:  cfg.Storage.Endpoint,
		PathStyle: cfg.Storage.PathStyle,
	})
	if err != nil {
		log.Fatalf("Error: Failed to initialize S3 storage: %v", err)
	}

	// 3. LLM turns, one folder per cycle
	color.Yellow("\n[3] LLM turns")
	lastCycle := 0
	if sg != nil {
		lastCycle = sg.Cycle
	}
	for cycle := 1; cycle <= lastCycle; cycle++ {
		store := audit.NewLlmTurnsStore(blobs, audit.Scope{Instance: cfg.Ehr.Instance, Note: *note, Cycle: cycle})
		docs, err := store.StoredDocuments(ctx)
		if err != nil {
			color.Red("Cycle %02d failed: %v", cycle, err)
			continue
		}
		for _, doc := range docs {
			color.Green("cycle %02d  %s  (%d turns)", cycle, doc.Key, len(doc.Turns))
			if *turns {
				prettyPrint(doc.Turns)
			}
		}
	}

	// 4. Partial and final logs
	scope := audit.Scope{Instance: cfg.Ehr.Instance, Note: *note, Day: *day}
	color.Yellow("\n[4] Logs (day %s)", *day)
	if *day == "" {
		color.Red("Unknown creation day, pass -day")
	} else {
		partials, err := audit.PartialLogs(ctx, blobs, scope)
		if err != nil {
			color.Red("Failed: %v", err)
		}
		for _, info := range partials {
			fmt.Printf("  %s  %d bytes  %s\n", info.Key, info.Size, info.LastModified.Format(time.RFC3339))
		}
		if info, body, err := blobs.Get(ctx, scope.FinalKey()); err == nil {
			body.Close()
			color.Green("final: %s (%d bytes)", info.Key, info.Size)
		} else {
			fmt.Println("  no final log yet")
		}
	}

	// 5. Cycle history, when a database is configured
	if cfg.Database.Connection == "" {
		return
	}
	color.Yellow("\n[5] Cycle records")
	db, err := database.NewGormDBFromDSN(cfg.Database.Connection, false)
	if err != nil {
		color.Red("Failed to connect to database: %v", err)
		return
	}
	specs := []specification.Specification{
		specification.ByNoteUUID{NoteUUID: *note},
		specification.OrderBy{Field: "cycle"},
	}
	if *only > 0 {
		specs = append(specs, specification.ByCycle{Cycle: *only})
	}
	records, err := implementation.NewCycleRecordRepository(db).FindAll(ctx, specs...)
	if err != nil {
		color.Red("Failed: %v", err)
		return
	}
	for _, r := range records {
		line := fmt.Sprintf("cycle %02d  %d instructions  %d effects  %s", r.Cycle, len(r.Instructions), len(r.Effects), r.Duration)
		if r.Error != "" {
			color.Red("%s  error: %s", line, r.Error)
			continue
		}
		fmt.Println("  " + line)
	}
}
