package main

import (
	"context"
	"log"
	"os"

	"github.com/viralforge/authcore/internal/app/bootstrap"
)

func main() {
	ctx := context.Background()
	configPath := os.Getenv("AUTHCORE_CONFIG")
	if configPath == "" {
		configPath = "configs/default.yaml"
	}
	runtime, err := bootstrap.NewRuntime(ctx, configPath)
	if err != nil {
		log.Fatalf("bootstrap authcore runtime: %v", err)
	}
	if err := runtime.Run(ctx); err != nil {
		log.Fatalf("run authcore: %v", err)
	}
}
