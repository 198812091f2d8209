package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/cursorhu/go-uhs2/card"
	"github.com/cursorhu/go-uhs2/internal/configpaths"
	"github.com/cursorhu/go-uhs2/internal/diag"
	"github.com/cursorhu/go-uhs2/internal/log"
)

const keyFileName = "uhs2ctl.key.txt"

// Monitor attaches a card and serves periodic controller snapshots to TCP
// clients. Connections are authenticated with a pre-shared key and encrypted
// unless --insecure is given.
type Monitor struct {
	HostConfig `embed:""`

	Addr           string        `help:"Listen address" default:":3323" env:"UHS2CTL_MONITOR_ADDR"`
	Interval       time.Duration `help:"Snapshot period" default:"1s"`
	Password       string        `help:"Pre-shared key for client authentication" env:"UHS2CTL_MONITOR_PASSWORD"`
	PromptPassword bool          `help:"Read the pre-shared key from the terminal instead of a flag or key file"`
	Insecure       bool          `help:"Serve unauthenticated plaintext snapshots"`
}

// snapshotMsg is one line of the monitor stream.
type snapshotMsg struct {
	Time      time.Time         `json:"time"`
	State     string            `json:"state"`
	Card      string            `json:"card"`
	Registers map[string]uint32 `json:"registers"`
}

// Run is called by Kong when the monitor command is executed.
func (m *Monitor) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var key []byte
	if !m.Insecure {
		pwd, err := m.resolvePassword(logger)
		if err != nil {
			return err
		}
		if key, err = diag.DeriveKey(pwd); err != nil {
			return err
		}
	}

	oh, err := m.open(logger, rawLogger)
	if err != nil {
		return err
	}
	defer oh.Close()

	c, err := card.Attach(oh.host, m.cardOptions(logger))
	if err != nil {
		return fmt.Errorf("attach: %w", err)
	}
	defer c.Ops().Remove()

	ln, err := net.Listen("tcp", m.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", m.Addr, err)
	}
	logger.Info("monitor listening", "addr", ln.Addr().String(), "card", c.Describe())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go m.serveConn(ctx, conn, key, c, oh, logger)
	}
}

// resolvePassword returns the pre-shared key, preferring the flag, then the
// terminal prompt, then the key file. A missing key file is created with a
// generated key, mirroring first-run server setup.
func (m *Monitor) resolvePassword(logger *slog.Logger) (string, error) {
	if m.Password != "" {
		return m.Password, nil
	}
	if m.PromptPassword {
		fmt.Fprint(os.Stderr, "monitor key: ")
		pwd, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return strings.TrimSpace(string(pwd)), nil
	}

	keyFileDir, err := configpaths.DefaultConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve key file path: %w", err)
	}
	keyFilePath := path.Join(keyFileDir, keyFileName)
	if pwd, err := os.ReadFile(keyFilePath); err == nil {
		return strings.TrimSpace(string(pwd)), nil
	}

	newPwd, err := diag.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("failed to generate monitor key: %w", err)
	}
	if err := os.MkdirAll(keyFileDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create config dir for key file: %w", err)
	}
	if err := os.WriteFile(keyFilePath, []byte(newPwd), 0o600); err != nil {
		return "", fmt.Errorf("failed to write monitor key file: %w", err)
	}
	logger.Info("generated monitor key", "path", keyFilePath)
	return newPwd, nil
}

func (m *Monitor) serveConn(ctx context.Context, conn net.Conn, key []byte, c *card.Card, oh *openedHost, logger *slog.Logger) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()

	out := conn
	if key != nil {
		r := bufio.NewReader(conn)
		ok, err := diag.IsAuthHandshake(r)
		if err != nil || !ok {
			logger.Warn("client skipped handshake", "remote", remote)
			return
		}
		clientNonce, serverNonce, err := diag.HandleAuthHandshake(r, conn, key, false)
		if err != nil {
			if errors.Is(err, diag.ErrUnauthorized) {
				logger.Warn("client failed authentication", "remote", remote)
			} else {
				logger.Warn("handshake failed", "remote", remote, "error", err)
			}
			return
		}
		sessionKey := diag.DeriveSessionKey(key, serverNonce, clientNonce)
		wrapped, err := diag.WrapConn(conn, sessionKey)
		if err != nil {
			logger.Error("failed to wrap connection", "remote", remote, "error", err)
			return
		}
		out = wrapped
	}

	logger.Info("monitor client connected", "remote", remote)
	enc := json.NewEncoder(out)

	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		msg := snapshotMsg{
			Time:      time.Now(),
			State:     c.State().String(),
			Card:      c.Describe(),
			Registers: oh.host.Snapshot(),
		}
		if err := enc.Encode(&msg); err != nil {
			logger.Info("monitor client disconnected", "remote", remote)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
