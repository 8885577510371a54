// Command auditverify walks an audit log store and verifies the hash
// chain end to end. Exit code 0 on an intact chain, 1 on corruption, 2 on
// usage or I/O errors.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/skillgate/gateway/internal/audit"
)

func main() {
	_ = godotenv.Load()

	path := flag.String("path", os.Getenv("AUDIT_LOG_STORE_PATH"), "audit log store path")
	flag.Parse()

	if *path == "" {
		log.Println("Usage: auditverify -path <audit log store>")
		os.Exit(2)
	}

	logStore, err := audit.Open(*path)
	if err != nil {
		log.Printf("Failed to open audit log at %s: %v", *path, err)
		os.Exit(2)
	}
	defer logStore.Close()

	ok, firstBad := logStore.Verify(0, logStore.Len())
	if !ok {
		rec := logStore.Record(firstBad)
		fmt.Printf("CORRUPT: chain breaks at index %d (decision_id=%s, timestamp=%s)\n",
			firstBad, rec.DecisionID, rec.Timestamp)
		os.Exit(1)
	}

	fmt.Printf("OK: %d records, chain intact\n", logStore.Len())
}
