// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package vsockdial

import (
	"bufio"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTCPDialListenRoundTrip(t *testing.T) {
	ln, err := Listen(Endpoint{Network: NetworkTCP, Addr: "127.0.0.1:0"})
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			accepted <- ""
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		accepted <- line
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	conn, err := Dial(ctx, Endpoint{Network: NetworkTCP, Addr: ln.Addr().String()})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping\n"))
	require.NoError(t, err)

	require.Equal(t, "ping\n", <-accepted)
}

func TestDialContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Dial(ctx, Endpoint{Network: NetworkTCP, Addr: "127.0.0.1:1"})
	require.Error(t, err)
}

func TestEndpointString(t *testing.T) {
	require.Equal(t, "tcp://127.0.0.1:5000", Endpoint{Network: NetworkTCP, Addr: "127.0.0.1:5000"}.String())
	require.Equal(t, "vsock://3:5000", Endpoint{Network: NetworkVsock, CID: 3, Port: 5000}.String())
}
