package main

import (
	"github.com/danmuck/tftbridge/internal/logging"
	"github.com/joho/godotenv"
)

func main() {
	// a missing .env is normal outside development
	_ = godotenv.Load()
	logging.ConfigureRuntime()
	Execute()
}
