package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/hpool-dev/ironfish/config"
	"github.com/hpool-dev/ironfish/rpc"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query a running server over its local socket",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.RPC.SocketPath == "" {
		return fmt.Errorf("no socket_path configured")
	}

	conn, err := net.DialTimeout("unix", cfg.RPC.SocketPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.RPC.SocketPath, err)
	}
	defer conn.Close()

	frame, err := json.Marshal(rpc.RequestMessage{Mid: 1, Type: "node/getStatus"})
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(frame, '\n')); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return fmt.Errorf("reading response: %w", scanner.Err())
	}

	var env rpc.Envelope
	if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if env.Type != rpc.KindMessage {
		return fmt.Errorf("unexpected frame type %q", env.Type)
	}

	var resp rpc.ResponseMessage
	if err := json.Unmarshal(env.Data, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if resp.Status != 200 {
		return fmt.Errorf("server returned status %d: %s", resp.Status, resp.Data)
	}

	var pretty map[string]any
	if err := json.Unmarshal(resp.Data, &pretty); err != nil {
		return fmt.Errorf("decoding status payload: %w", err)
	}
	for k, v := range pretty {
		fmt.Printf("%s: %v\n", k, v)
	}
	return nil
}
