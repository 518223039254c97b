/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"os"
	"os/signal"
	"syscall"

	"chatstack/internal/chat"
	"chatstack/internal/config"
	"chatstack/internal/link"
	"chatstack/internal/logging"
	"chatstack/internal/network"
	"chatstack/internal/physical"
	"chatstack/internal/topology"
	"chatstack/internal/transport"
	"chatstack/internal/wire"
)

func main() {
	cfg := config.Parse(false)
	defer cfg.Close()

	node, ok := topology.ByName(topology.Server)
	if !ok {
		logging.Log.Fatal("chatserver: topology missing the server")
		os.Exit(1)
	}

	tunable := cfg.Tunable()
	channel := wire.NewChannel(tunable.LossProb, tunable.CorruptProb, cfg.MaxDelay(), nil)

	phy, err := physical.Listen(node.Addr, channel)
	if err != nil {
		logging.Log.Fatal("chatserver: cannot bind: %v", err)
		os.Exit(1)
	}
	defer phy.Close()

	l := link.New(phy, node.MAC, topology.HostARP(node.VIP))
	hostNet := network.NewHostNetwork(l, node.VIP, config.DefaultTTL)

	params := transport.Params{
		MSS:          config.DefaultMSS,
		AckTimeout:   cfg.AckTimeout(),
		RetryCeiling: cfg.RetryCeiling(),
	}
	local := topology.VirtualAddress{VIP: node.VIP, Port: node.Addr.Port}
	t := transport.New(hostNet, local, params)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logging.Log.Fatal("chatserver: cannot create data directory %v: %v", cfg.DataDir, err)
		os.Exit(1)
	}
	server, err := chat.NewServer(t, cfg.DataDir)
	if err != nil {
		logging.Log.Fatal("chatserver: cannot open roster journal: %v", err)
		os.Exit(1)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		server.Run()
		close(done)
	}()

	select {
	case msg := <-logging.Goexit:
		logging.Log.Err("chatserver: fatal: %v", msg)
		server.Shutdown()
		os.Exit(1)
	case <-sig:
		logging.Log.Info("chatserver: interrupted, shutting down")
		server.Shutdown()
		<-done
	case <-done:
	}
}
