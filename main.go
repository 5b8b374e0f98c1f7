package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"wabot/internal/config"
	httpapi "wabot/internal/http"
	"wabot/internal/inbound"
	"wabot/internal/media"
	"wabot/internal/scheduler"
	"wabot/internal/sender"
	"wabot/internal/storage"
	"wabot/internal/wa"
)

func main() {
	cfg := config.Load()

	store, err := storage.Open(cfg.DBDSN)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()

	ctx := context.Background()
	manager, err := wa.NewManager(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal(err)
	}

	mh, err := media.New(cfg.MediaDir, store)
	if err != nil {
		log.Fatal(err)
	}
	mh.StartCleanupLoop(ctx, cfg.MediaCleanupInterval)

	snd := sender.New(store, manager)

	sched := scheduler.New(store, snd, scheduler.Options{
		SendTimeout: 60 * time.Second,
	})
	defer sched.Stop()

	in := inbound.New(store, manager, snd, mh)
	manager.AddMessageHandler(in.HandleMessage)
	log.Println("Inbound message handler registered")

	// Rehydrate pending schedules once the session is live. Connected can
	// fire again after reconnects, so guard with a Once.
	var rehydrate sync.Once
	manager.OnReady(func() {
		rehydrate.Do(func() {
			if err := sched.Init(); err != nil {
				log.Println("[main] scheduler init:", err)
			}
		})
	})

	if err := manager.ConnectOrPair(); err != nil {
		log.Println("[main] whatsapp not connected yet:", err)
	}

	router := httpapi.NewRouter(store, manager, snd, sched, mh, cfg.AdminPassword, cfg.AdminTokenTTL)

	log.Println("HTTP listening on :" + cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, router); err != nil {
		log.Fatal(err)
	}
}
