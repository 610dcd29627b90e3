// Command relayserver runs the relay hub that brokers transfers
// between devices on different networks.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"

	"windrop/server"
)

func main() {
	addr := flag.String("addr", ":5000", "listen address")
	path := flag.String("path", "/filehub", "websocket hub path")
	flag.Parse()

	hub := server.NewHub(log.Default())

	mux := http.NewServeMux()
	mux.Handle(*path, hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	log.Printf("relay server listening on %s%s", *addr, *path)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatalf("relay server stopped: %v", err)
	}
}
