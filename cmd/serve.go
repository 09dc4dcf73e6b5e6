package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	handler "docchat/handler/http"
	"docchat/src/core/ingest"
	jobctrl "docchat/src/infrastructure/job"
	"docchat/src/log"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the document chat server",
	Long:  `The serve command starts an HTTP server that answers questions about ingested documents with cited sources.`,
	Run:   RunServer,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	settingDefaultConfig()
}

func RunServer(cmd *cobra.Command, args []string) {
	svcs, err := buildServices()
	if err != nil {
		log.Error(err, "Failed to build services")
		return
	}
	defer svcs.close()

	// Prepare the search backends before taking traffic.
	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()
	if err := svcs.vectors.EnsureSchema(startupCtx); err != nil {
		log.Error(err, "Failed to ensure vector schema")
		return
	}
	if err := svcs.keywords.EnsureIndex(startupCtx); err != nil {
		log.Error(err, "Failed to ensure keyword index")
		return
	}
	if err := svcs.objects.EnsureBucketExists(startupCtx, ingest.RawBucket); err != nil {
		log.Error(err, "Failed to ensure raw document bucket")
		return
	}

	// Async ingestion publishes jobs that the worker process consumes.
	amqpPublisher, err := amqp.NewPublisher(
		amqp.NewDurableQueueConfig(viper.GetString("amqp.url")),
		watermill.NewStdLogger(false, false),
	)
	if err != nil {
		log.Error(err, "Failed to create AMQP publisher")
		return
	}
	defer amqpPublisher.Close()

	jobRepo, err := jobctrl.NewPostgresRepository(svcs.db)
	if err != nil {
		log.Error(err, "Failed to create job repository")
		return
	}
	if err := jobRepo.Migrate(); err != nil {
		log.Error(err, "Failed to migrate jobs table")
		return
	}
	jobService := jobctrl.NewJobService(amqpPublisher, jobRepo, watermill.NewStdLogger(false, false), svcs.ingest)

	h := handler.NewHandler(svcs.answer, svcs.ingest, svcs.documents, svcs.sessions, svcs.providers, jobService)

	r := gin.Default()
	h.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    ":" + viper.GetString("server.port"),
		Handler: r,
	}

	go func() {
		log.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(err, "Failed to start server")
			return
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	timeout, err := time.ParseDuration(viper.GetString("server.shutdown_timeout"))
	if err != nil {
		log.Error(err, "Invalid shutdown timeout, using default 5s")
		timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error(err, "Server forced to shutdown")
	}

	log.Info("Server exited")
}
