package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2/log"

	"github.com/resumelift/creditengine/internal/pkg/cache"
	"github.com/resumelift/creditengine/internal/pkg/database"
	"github.com/resumelift/creditengine/internal/pkg/env"
	"github.com/resumelift/creditengine/internal/pkg/scheduler"
)

func main() {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	manager := scheduler.GetManager()
	manager.Start()

	log.Info("[CreditEngine] running, press Ctrl+C to stop")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	// Drain in-flight job runs before exit. Missed ticks are harmless: the
	// next run's period-anchor check catches up.
	manager.Stop()
	log.Info("[CreditEngine] shutdown complete")
}
