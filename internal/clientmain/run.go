/* Copyright (c) 2018-2021 Waldemar Augustyn */

// Package clientmain wires one chat-client entry point (alice or bob):
// config, the noisy physical/link/network/transport stack, a UI front end
// chosen by terminal availability or --gui, and the chat.Client itself.
package clientmain

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
	"chatstack/internal/ui"
	"chatstack/internal/wire"
)

// Run blocks until the client is told to stop. On orderly shutdown
// (including SIGINT/SIGTERM) it returns, so the process exits with 0; on a
// fatal error reported through logging.Goexit it calls os.Exit(1).
func Run(name topology.NodeName) {
	cfg := config.Parse(true)
	defer cfg.Close()

	node, ok := topology.ByName(name)
	if !ok {
		logging.Log.Fatal("clientmain: unknown node %v", name)
		os.Exit(1)
	}
	serverNode, ok := topology.ByName(topology.Server)
	if !ok {
		logging.Log.Fatal("clientmain: topology missing the server")
		os.Exit(1)
	}

	tunable := cfg.Tunable()
	channel := wire.NewChannel(tunable.LossProb, tunable.CorruptProb, cfg.MaxDelay(), nil)

	phy, err := physical.Listen(node.Addr, channel)
	if err != nil {
		logging.Log.Fatal("clientmain: %v: cannot bind: %v", name, err)
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

	front := chooseFrontEnd(cfg.GUI)

	server := topology.VirtualAddress{VIP: serverNode.VIP, Port: serverNode.Addr.Port}
	client := chat.NewClient(t, server, string(name), front, cfg.DataDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		client.Run()
		close(done)
	}()

	select {
	case msg := <-logging.Goexit:
		logging.Log.Err("clientmain: %v: fatal: %v", name, msg)
		client.Stop()
		os.Exit(1)
	case <-sig:
		logging.Log.Info("clientmain: %v: interrupted, shutting down", name)
		client.Stop()
		<-done
	case <-done:
	}
}

func chooseFrontEnd(forceGUI bool) ui.Interface {
	if forceGUI {
		return ui.NewGraphical()
	}
	if fi, err := os.Stdin.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return ui.NewGraphical()
	}
	return ui.NewTerminal()
}
