/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"os"
	"os/signal"
	"syscall"

	"chatstack/internal/config"
	"chatstack/internal/link"
	"chatstack/internal/logging"
	"chatstack/internal/network"
	"chatstack/internal/physical"
	"chatstack/internal/topology"
	"chatstack/internal/wire"
)

func main() {
	cfg := config.Parse(false)
	defer cfg.Close()

	node, ok := topology.ByName(topology.Router)
	if !ok {
		logging.Log.Fatal("router: topology missing the router")
		os.Exit(1)
	}

	tunable := cfg.Tunable()
	channel := wire.NewChannel(tunable.LossProb, tunable.CorruptProb, cfg.MaxDelay(), nil)

	phy, err := physical.Listen(node.Addr, channel)
	if err != nil {
		logging.Log.Fatal("router: cannot bind: %v", err)
		os.Exit(1)
	}
	defer phy.Close()

	l := link.New(phy, node.MAC, topology.RouterARP())
	routerNet := network.NewRouterNetwork(l, node.VIP, topology.RouterARP())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		err := routerNet.Run()
		logging.Log.Info("router: forwarding loop stopped: %v", err)
		close(done)
	}()

	select {
	case msg := <-logging.Goexit:
		logging.Log.Err("router: fatal: %v", msg)
		os.Exit(1)
	case <-sig:
		logging.Log.Info("router: interrupted, shutting down")
		stats := routerNet.Stats()
		logging.Log.Info("router: forwarded=%d dropped_ttl=%d dropped_unknown=%d",
			stats.Forwarded, stats.DroppedTTL, stats.DroppedUnknown)
	case <-done:
		os.Exit(1)
	}
}
