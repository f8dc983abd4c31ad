package main

import (
	"errors"
	"io/fs"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/404wolf/drivefs/cmd"
)

// loadEnvFile makes REFRESH_TOKEN and DRIVEFS_* settings from .env visible
// to the config loader. A missing file is fine.
func loadEnvFile() {
	err := godotenv.Load(".env")
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Error loading .env file: %v", err)
	}
}

func main() {
	loadEnvFile()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
