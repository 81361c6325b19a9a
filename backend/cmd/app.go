package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/yim-server/backend/config"
	httpServer "github.com/adwski/yim-server/backend/server/http"
	websocketServer "github.com/adwski/yim-server/backend/server/websocket"
	"github.com/adwski/yim-server/backend/service"
	store "github.com/adwski/yim-server/backend/storage/memory"
	sw "github.com/adwski/yim-server/backend/switch"
	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) (code int) {
	cfg, err := config.Parse("yim-server", args, os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	if cfg.Version {
		fmt.Println(config.Version)
		return 0
	}

	logger := cfg.Logger(os.Stdout)
	logger.Info().Str("addr", cfg.ListenAddr()).Msg("start")
	defer func() {
		// runs after teardown so a panic is still reported
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("server crashed")
			code = 1
		}
		logger.Info().Msg("stop")
	}()

	swc := sw.NewSwitch(sw.Config{
		Logger:      &logger,
		SendTimeout: cfg.SendTimeout,
	})
	outbox := service.NewOutbox(swc)
	clients := store.NewClientStore(outbox, &logger)
	router := service.NewRouter(service.Config{
		Clients: clients,
		Rooms:   store.NewRoomStore(clients, &logger),
		Logger:  &logger,
		Outbox:  outbox,
		Strict:  cfg.Strict,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:     &logger,
		Router:     router,
		Switch:     swc,
		ListenAddr: cfg.ListenAddr(),
		QueueSize:  cfg.QueueSize,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go wsSrv.Run(ctx, wg, errc)

	if addr := cfg.APIListenAddr(); addr != "" {
		apiSrv := httpServer.NewServer(httpServer.Config{
			Logger:      &logger,
			RoomService: router,
			ListenAddr:  addr,
		})
		wg.Add(1)
		go apiSrv.Run(ctx, wg, errc)
	}

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
		return 1
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	return 0
}
