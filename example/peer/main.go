package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/peerhub"
)

func main() {
	hubAddr := flag.String("hub", "", "hub address; discovered by broadcast when empty")
	discoveryPort := flag.Int("discovery-port", peerhub.DefaultDiscoveryPort, "UDP port hubs answer discovery on")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := *hubAddr
	if addr == "" {
		found := peerhub.Discover(ctx, *discoveryPort, 3*time.Second)
		if found == peerhub.NoResponder {
			slog.Error("no hub answered discovery", "port", *discoveryPort)
			os.Exit(1)
		}
		addr = found.String()
		slog.Info("discovered hub", "addr", addr)
	}

	closed := make(chan struct{})
	ch, err := peerhub.Dial(ctx, addr,
		peerhub.ActiveMonitoringOption(true),
		peerhub.OnTextMessageOption(func(m peerhub.TextMessage) {
			fmt.Printf("< %s\n", m.Text)
		}),
		peerhub.OnDisconnectedOption(func(d peerhub.Disconnected) {
			slog.Info("hub went away", "cause", d.Err)
			close(closed)
		}),
	)
	if err != nil {
		slog.Error("failed to connect", "addr", addr, "error", err)
		os.Exit(1)
	}
	defer ch.Dispose()

	// Send stdin line by line.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				if err := ch.SendText(line); err != nil {
					slog.Error("send failed", "error", err)
					return
				}
			}
		}
		stop()
	}()

	select {
	case <-ctx.Done():
	case <-closed:
	}
}
