// Command tcpecho runs a one-shot TCP echo server and client against each
// other on loopback, the Go equivalent of original_source's
// tcp_echo_server.cpp/tcp_echo_client.cpp pair.
//
// Run with: go run ./cmd/tcpecho
package main

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/joeycumines/go-iocoro/coro"
	"github.com/joeycumines/go-iocoro/executor"
	inet "github.com/joeycumines/go-iocoro/net"
	"github.com/joeycumines/go-iocoro/stopctx"
	"github.com/joeycumines/go-iocoro/streamio"

	"github.com/joeycumines/go-iocoro/ioctx"
)

func serverOnce(ex executor.IOExecutor, acceptor *inet.Acceptor[inet.TCP]) func(c *coro.Ctx) error {
	return func(c *coro.Ctx) error {
		conn, err := acceptor.Accept(c)
		if err != nil {
			return fmt.Errorf("tcpecho: accept failed: %w", err)
		}
		defer conn.Close()
		_ = acceptor.Close()

		var line bytes.Buffer
		n, err := streamio.ReadUntil(c, conn, &line, []byte("\n"), 4096)
		if err != nil {
			return fmt.Errorf("tcpecho: read_until failed: %w", err)
		}

		if _, err := streamio.Write(c, conn, line.Bytes()[:n]); err != nil {
			return fmt.Errorf("tcpecho: write failed: %w", err)
		}

		buf := make([]byte, 4096)
		for {
			rn, rerr := conn.Read(c, buf)
			if rerr != nil || rn == 0 {
				return nil
			}
		}
	}
}

func clientOnce(ex executor.IOExecutor, ep inet.Endpoint) func(c *coro.Ctx) error {
	return func(c *coro.Ctx) error {
		client := inet.NewStreamSocket[inet.TCP](ex)
		defer client.Close()
		if err := client.Connect(c, ep); err != nil {
			return fmt.Errorf("tcpecho: connect failed: %w", err)
		}

		msg := []byte("ping\n")
		if _, err := streamio.Write(c, client, msg); err != nil {
			return fmt.Errorf("tcpecho: write failed: %w", err)
		}

		var line bytes.Buffer
		n, err := streamio.ReadUntil(c, client, &line, []byte("\n"), 4096)
		if err != nil {
			return fmt.Errorf("tcpecho: read_until failed: %w", err)
		}
		fmt.Printf("tcpecho: received: %s", line.Bytes()[:n])
		return nil
	}
}

func main() {
	ioc, err := ioctx.New()
	if err != nil {
		panic(err)
	}
	ex := executor.FromContext(ioc)

	acceptor := inet.NewAcceptor[inet.TCP](ex)
	loopback, err := inet.ParseEndpoint("127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	if err := acceptor.Listen(loopback, 1); err != nil {
		panic(fmt.Errorf("tcpecho: listen failed: %w", err))
	}
	ep := acceptor.LocalEndpoint()
	fmt.Println("tcpecho: listening on", ep.String())

	serverDone := make(chan struct{})
	coro.Detached(ex, stopctx.Token{}, serverOnce(ex, acceptor), func(err error) {
		defer close(serverDone)
		if err != nil {
			fmt.Println("tcpecho: server error:", err)
		}
	})

	clientDone := make(chan struct{})
	coro.Detached(ex, stopctx.Token{}, clientOnce(ex, ep), func(err error) {
		defer close(clientDone)
		if err != nil {
			fmt.Println("tcpecho: client error:", err)
		}
		ioc.Stop()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ioc.Run(ctx); err != nil {
		fmt.Println("tcpecho: run exited with:", err)
	}

	<-serverDone
	<-clientDone
}
