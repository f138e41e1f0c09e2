package main

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// config is read once at process start from the environment, matching
// the teacher's os.Getenv-with-default style in main.go / payment_gateway.go.
type config struct {
	dbHost     string
	dbPort     string
	dbUser     string
	dbPassword string
	dbName     string

	concurrency       int
	matchingInterval  time.Duration
	badgerDir         string
}

func loadConfig() config {
	c := config{
		dbHost:     getenv("ISUCON_DB_HOST", "127.0.0.1"),
		dbPort:     getenv("ISUCON_DB_PORT", "3306"),
		dbUser:     getenv("ISUCON_DB_USER", "isucon"),
		dbPassword: getenv("ISUCON_DB_PASSWORD", "isucon"),
		dbName:     getenv("ISUCON_DB_NAME", "isuride"),
		badgerDir:  getenv("BADGER_DIR", "./badger-data"),
	}

	if _, err := strconv.Atoi(c.dbPort); err != nil {
		panic(fmt.Sprintf("failed to convert DB port number from ISUCON_DB_PORT: %v", err))
	}

	c.concurrency = getenvInt("CONCURRENCY", 30)
	c.matchingInterval = time.Duration(getenvInt("MATCHING_INTERVAL_MS", 100)) * time.Millisecond

	return c
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
