package main

import (
	"context"
	"log"
	"os"

	firebase "firebase.google.com/go/v4"
	"github.com/hibiken/asynq"

	"tryonapi/dbhelper"
	"tryonapi/engine"
	"tryonapi/services"
	"tryonapi/tasks"
)

func runScheduler() {

	scheduler := asynq.NewScheduler(asynq.RedisClientOpt{Addr: os.Getenv("ASYNC_BROKER_ADDRESS")}, &asynq.SchedulerOpts{
		LogLevel: asynq.InfoLevel,
	})

	sweepTask, err := tasks.NewStuckGenerationSweepTask()
	if err != nil {
		log.Fatalf("Failed to build sweep task: %v", err)
	}
	scheduled := []struct {
		cron string
		task *asynq.Task
		desc string
	}{
		{
			cron: "*/10 * * * *",
			task: sweepTask,
			desc: "Stuck generation sweep",
		},
	}

	for _, t := range scheduled {
		entryID, err := scheduler.Register(t.cron, t.task)
		if err != nil {
			log.Fatalf("Failed to register task '%s': %v", t.desc, err)
		}
		log.Printf("Registered task '%s' with ID: %s, cron: %s", t.desc, entryID, t.cron)
	}

	log.Println("Starting scheduler...")
	if err := scheduler.Run(); err != nil {
		log.Fatalf("Scheduler failed: %v", err)
	}
}

func main() {
	srv := asynq.NewServer(
		asynq.RedisClientOpt{Addr: os.Getenv("ASYNC_BROKER_ADDRESS")},
		asynq.Config{Concurrency: 10, Queues: map[string]int{
			"generate": 7,
		}},
	)
	awsService := &services.AWSService{}
	err := awsService.InitPresignClient(context.Background())
	if err != nil {
		log.Fatal("[Queue] Failed to initialize AWS provider: S3")
	}
	app, err := firebase.NewApp(context.Background(), nil)
	if err != nil {
		log.Fatalf("error initializing firebase app: %v\n", err)
		return
	}
	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	urlCache, err := services.NewURLCacheService(awsService, bucketName)
	if err != nil {
		log.Fatal("[Queue] Failed to initialize URL cache service")
	}
	imageClient, err := services.NewGoogleImageClient(context.Background())
	if err != nil {
		log.Fatalf("[Queue] Failed to initialize image client: %v", err)
	}
	reasoner, err := services.NewGoogleReasoner(context.Background(), "")
	if err != nil {
		log.Fatalf("[Queue] Failed to initialize reasoner: %v", err)
	}
	configService, err := services.NewEngineConfigService()
	if err != nil {
		log.Fatalf("[Queue] Failed to initialize engine config: %v", err)
	}
	eng := engine.NewEngine(imageClient, reasoner, &services.StorageFetcher{URLCache: urlCache}, configService)

	mux := asynq.NewServeMux()
	db := dbhelper.SetupDB()
	mux.HandleFunc(tasks.TypeGenerationTurn, func(ctx context.Context, t *asynq.Task) error {
		return tasks.HandleGenerationTurnTask(ctx, t, db, eng, awsService, app)
	})
	mux.HandleFunc(tasks.TypeStuckGenSweep, func(ctx context.Context, t *asynq.Task) error {
		return tasks.HandleStuckGenerationSweepTask(ctx, t, db)
	})

	go runScheduler()
	if err := srv.Run(mux); err != nil {
		log.Fatal(err)
	}
}
