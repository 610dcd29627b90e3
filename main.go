package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os/signal"
	"syscall"
	"time"

	"windrop/config"
	"windrop/discovery"
	"windrop/models"
	"windrop/relay"
	"windrop/storage"
	"windrop/transfer"
)

func main() {
	sendAddr := flag.String("send", "", "send files to a local peer at host:port and exit")
	sessionID := flag.Int64("session", 0, "send files to a relay session id and exit")
	flag.Parse()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		log.Fatalf("startup failed while loading config: %v", err)
	}

	identity := cfg.Identity()
	store := storage.DirProvider{Folder: cfg.SaveFolder}

	if *sendAddr != "" {
		runLocalSend(cfg, store, *sendAddr, flag.Args())
		return
	}
	if *sessionID != 0 {
		runRelaySend(cfg, store, *sessionID, flag.Args())
		return
	}

	fmt.Printf("Device ID:       %s\n", cfg.DeviceID)
	fmt.Printf("Device Name:     %s\n", identity.DisplayName())
	fmt.Printf("Transfer Port:   %d\n", cfg.TransferPort)
	fmt.Printf("Save Folder:     %s\n", cfg.SaveFolder)
	fmt.Printf("Relay Server:    %s\n", cfg.RelayServerURL)
	fmt.Printf("Config File:     %s\n", cfgPath)

	scanner := discovery.NewEngine(discovery.Config{
		Identity: identity,
		Port:     cfg.TransferPort,
	})
	if err := scanner.StartListening(); err != nil {
		log.Printf("discovery startup failed: %v", err)
	} else {
		defer scanner.StopListening()
		fmt.Println("Discovery:       running")
		go logDiscoveredPeers(scanner.Events())
	}

	announcer, err := discovery.StartAnnouncer(discovery.MDNSConfig{
		Identity: identity,
		Port:     cfg.TransferPort,
	})
	if err != nil {
		log.Printf("mdns announce failed: %v", err)
	} else {
		defer announcer.Stop()
	}

	transferEngine, err := transfer.NewEngine(transfer.Options{
		Identity: identity,
		Storage:  store,
		Port:     cfg.TransferPort,
		OnSendFilesRequest: func(request models.TransferRequest, sender net.Addr) bool {
			log.Printf("transfer: accepting %d file(s) from %s (%s)",
				len(request.Files), request.Sender.DisplayName(), sender)
			return true
		},
		OnReceivingFileStarted: func(state models.FileState) {
			log.Printf("transfer: receiving %s (%d bytes)", state.Path, state.Size)
		},
		OnReceivingFileFailed: func(path string, err error) {
			log.Printf("transfer: failed %s: %v", path, err)
		},
		OnReceivingFinished: func() {
			log.Printf("transfer: batch complete")
		},
		OnError: func(err error) {
			log.Printf("transfer: %v", err)
		},
	})
	if err != nil {
		log.Fatalf("startup failed while creating transfer engine: %v", err)
	}
	if err := transferEngine.StartListening(); err != nil {
		log.Fatalf("startup failed while opening transfer port: %v", err)
	}
	defer transferEngine.Close()
	fmt.Println("Local Transfer:  listening")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	relayEngine, err := relay.NewEngine(relay.Options{
		URL:     cfg.RelayServerURL,
		Storage: store,
		OnConnected: func(sessionID int64) {
			log.Printf("relay: connected, session id %d", sessionID)
		},
		OnDisconnected: func() {
			log.Printf("relay: disconnected")
		},
		OnSendFilesRequest: func(request models.RelayRequest) bool {
			log.Printf("relay: accepting %d file(s) from session %d",
				len(request.Files), request.SenderSessionID)
			return true
		},
		OnReceivingFileStarted: func(state models.FileState) {
			log.Printf("relay: receiving %s (%d bytes)", state.Path, state.Size)
		},
		OnReceivingFileFailed: func(path string, err error) {
			log.Printf("relay: failed %s: %v", path, err)
		},
		OnReceivingFinished: func() {
			log.Printf("relay: batch complete")
		},
		OnError: func(err error) {
			log.Printf("relay: %v", err)
		},
	})
	if err != nil {
		log.Fatalf("startup failed while creating relay engine: %v", err)
	}
	if err := relayEngine.Connect(ctx); err != nil {
		// The relay server is optional; local transfer keeps working.
		log.Printf("relay connect failed: %v", err)
	} else {
		defer relayEngine.Close()
		fmt.Println("Relay:           connected")
	}

	fmt.Println("Status:          running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("Status:          shutting down")
}

// runLocalSend streams files to a peer on the local network and exits.
func runLocalSend(cfg *config.DeviceConfig, store storage.Provider, addr string, files []string) {
	if len(files) == 0 {
		log.Fatal("no files given; usage: windrop -send host:port file...")
	}

	engine, err := transfer.NewEngine(transfer.Options{
		Identity: cfg.Identity(),
		Storage:  store,
		OnFileProgress: func(p transfer.Progress) {
			if p.Transferred == p.Size {
				log.Printf("sent %s (%d bytes)", p.Path, p.Size)
			}
		},
		OnSendingStopped: func() {
			log.Printf("transfer declined or cancelled by peer")
		},
		OnSendingFinished: func() {
			log.Printf("all files sent")
		},
	})
	if err != nil {
		log.Fatalf("create transfer engine: %v", err)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.StartSending(ctx, addr, files); err != nil {
		log.Fatalf("send to %s: %v", addr, err)
	}
}

// runRelaySend streams files to a relay session id and exits.
func runRelaySend(cfg *config.DeviceConfig, store storage.Provider, sessionID int64, files []string) {
	if len(files) == 0 {
		log.Fatal("no files given; usage: windrop -session id file...")
	}

	done := make(chan error, 1)
	connected := make(chan struct{}, 1)

	engine, err := relay.NewEngine(relay.Options{
		URL:     cfg.RelayServerURL,
		Storage: store,
		OnConnected: func(int64) {
			connected <- struct{}{}
		},
		OnSendingFinished: func() {
			done <- nil
		},
		OnSendingStopped: func() {
			done <- fmt.Errorf("transfer declined or cancelled by peer")
		},
		OnError: func(err error) {
			log.Printf("relay: %v", err)
		},
	})
	if err != nil {
		log.Fatalf("create relay engine: %v", err)
	}
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := engine.Connect(ctx); err != nil {
		log.Fatalf("connect to relay server: %v", err)
	}
	select {
	case <-connected:
	case <-time.After(relay.DefaultDialTimeout):
		log.Fatal("relay server never assigned a session id")
	case <-ctx.Done():
		return
	}

	if err := engine.StartSending(sessionID, files); err != nil {
		log.Fatalf("send to session %d: %v", sessionID, err)
	}

	select {
	case err := <-done:
		if err != nil {
			log.Fatalf("%v", err)
		}
		log.Printf("all files sent")
	case <-ctx.Done():
		engine.CancelSending()
	}
}

func logDiscoveredPeers(events <-chan models.DiscoveredPeer) {
	for peer := range events {
		log.Printf("discovery: peer id=%s name=%q addr=%v",
			peer.Identity.ID, peer.Identity.DisplayName(), peer.Addr)
	}
}
