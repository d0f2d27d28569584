package main

import (
	"log"
	"net/http"
	"os"

	"github.com/canchenlee/foodscan/internal/api"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "5000"
	}

	dataDir := os.Getenv("FOODSCAN_DATA_DIR")
	if dataDir == "" {
		dataDir = "./session_data"
	}

	handlers := api.NewHandlers(api.NewDataDir(dataDir), nil)
	router := api.NewRouter(handlers)

	log.Printf("[SERVER] Storing sessions under %s", dataDir)
	log.Printf("[SERVER] Listening on port %s", port)
	if err := http.ListenAndServe(":"+port, router); err != nil {
		log.Fatal("Server failed:", err)
	}
}
