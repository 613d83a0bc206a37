package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ServerConfig describes an MCP server launched as a child process
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
	// HIL lists the tools that need human approval; "*" selects all
	HIL     []string
	Timeout time.Duration
}

// Process is a running MCP server
type Process struct {
	*Client

	cmd  *exec.Cmd
	once sync.Once
}

// Launch starts the server command and performs the handshake
func Launch(ctx context.Context, cfg ServerConfig, version string, logger zerolog.Logger) (*Process, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp server %s: command is empty", cfg.Name)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stderr = logger.With().Str("mcp_server", cfg.Name).Str("stream", "stderr").Logger()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start mcp server %s: %w", cfg.Name, err)
	}

	client := NewClient(stdout, stdin, ClientConfig{
		Name:           cfg.Name,
		ClientVersion:  version,
		RequestTimeout: cfg.Timeout,
		Logger:         logger,
	})
	p := &Process{Client: client, cmd: cmd}

	if err := client.Initialize(ctx); err != nil {
		_ = p.Stop()
		return nil, err
	}

	logger.Info().Str("mcp_server", cfg.Name).Int("pid", cmd.Process.Pid).Msg("MCP server started")
	return p, nil
}

// Stop closes stdin and kills the process if it is still running
func (p *Process) Stop() error {
	var err error
	p.once.Do(func() {
		_ = p.Client.Close()
		if p.cmd.Process != nil {
			err = p.cmd.Process.Kill()
			if errors.Is(err, os.ErrProcessDone) {
				err = nil
			}
			_ = p.cmd.Wait()
		}
	})
	return err
}
