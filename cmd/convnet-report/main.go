package main

import (
	"flag"
	"log"
	"net/http"

	"convnet-forge/internal/runstore"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	dbPath := flag.String("db", "runs.sqlite3", "Run history sqlite file")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	store, err := runstore.Open(*dbPath)
	if err != nil {
		log.Fatalf("open run history: %v", err)
	}
	defer store.Close()

	log.Printf("serving %s on %s", *dbPath, *addr)
	if err := http.ListenAndServe(*addr, store.Handler()); err != nil {
		log.Fatalf("serve: %v", err)
	}
}
