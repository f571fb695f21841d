package cmd

import (
	"fmt"
	"os"
)

// envOrDefault matches the teacher's internal/container/config.go helper of
// the same name, reused here so the cmd package's flag/env precedence reads
// the same way the rest of the tree's DefaultConfig() functions do.
func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func addrFor(port int) string {
	return fmt.Sprintf(":%d", port)
}
