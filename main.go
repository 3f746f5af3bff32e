package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"redino/config"
	rnet "redino/net"
	"redino/util/log"
)

var banner = `
________     ____________________________
___  __ \__________  /__(_)_  __ \_  __ \
__  /_/ /  _ \  __  /__  /_  / / /  / / /
_  _, _//  __/ /_/ / _  / / / / // /_/ /
/_/ |_| \___/\__,_/  /_/  /_/ /_/ \____/
                            v1.0-SNAPSHOT`

func main() {
	fmt.Println(banner)
	if len(os.Args) > 1 {
		if err := config.LoadConfigs(os.Args[1]); err != nil {
			panic(err)
		}
	} else if err := config.LoadConfigs("./redino.conf"); err != nil {
		log.Warn("no config file, using defaults: %v", err)
	}
	props := config.Properties
	if !props.DebugMode {
		log.SetLevel(log.LevelError, os.Stdout)
	}

	// worker loops, one goroutine each
	var wg sync.WaitGroup
	workers := make([]*rnet.EventLoop, props.WorkerLoops)
	for i := range workers {
		ready := make(chan *rnet.EventLoop, 1)
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			loop := rnet.NewEventLoop()
			loop.SetName(fmt.Sprintf("worker-%d", index))
			ready <- loop
			loop.Run()
		}(i)
		workers[i] = <-ready
	}

	// the base loop accepts and hands conns out round-robin
	base := rnet.NewEventLoop()
	base.SetName("base")

	next := 0
	listener := rnet.NewTCPListener(base)
	listener.SetLoopSelector(func() *rnet.EventLoop {
		if len(workers) == 0 {
			return base
		}
		loop := workers[next%len(workers)]
		next++
		return loop
	})
	listener.SetNewConnCallback(onNewConn)
	if !listener.Bind(props.Bind, props.Port) {
		log.Errorf("bind %s:%d failed", props.Bind, props.Port)
		os.Exit(1)
	}
	log.Info("server started on %s:%d with %d worker loops, ready to accept connections...",
		props.Bind, props.Port, props.WorkerLoops)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.Info("signal %v, shutting down...", sig)
		for _, loop := range workers {
			loop.Stop()
		}
		base.Stop()
	}()

	base.Run()
	wg.Wait()
}

// onNewConn wires each accepted connection as an echo session.
func onNewConn(conn *rnet.TCPConn) {
	props := config.Properties
	conn.SetNodelay(props.TCPNodelay)
	if props.IdleTimeoutSec > 0 {
		conn.SetIdleTimeout(time.Duration(props.IdleTimeoutSec) * time.Second)
	}
	conn.SetMessageCallback(func(c *rnet.TCPConn, data []byte) int {
		c.SendPacket(data)
		return len(data)
	})
	conn.SetOnDisconnect(func(c *rnet.TCPConn) {
		log.Info("peer %s:%d gone", c.PeerIP(), c.PeerPort())
	})
}
