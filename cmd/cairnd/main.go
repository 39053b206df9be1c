package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"cairn/internal/cairn"
	"cairn/internal/cairnd"
)

func main() {
	serverDir := flag.String("d", ".", "server directory")
	configFile := flag.String("c", "", "config file (default <server dir>/cairn.json)")
	flag.Parse()

	config := cairn.NewConfig(*serverDir)

	configPath := *configFile
	if configPath == "" {
		configPath = config.ServerPath("cairn.json")
	}

	if err := config.LoadFromFile(configPath); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error loading config %s: %v\n", configPath, err)
			os.Exit(1)
		}
		log.Printf("No config file at %s; starting with defaults", configPath)
	}

	server, err := cairnd.NewServer(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing server: %v\n", err)
		os.Exit(1)
	}

	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Printf("Received %v, shutting down", sig)

	server.Stop()
}
