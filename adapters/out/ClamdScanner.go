/*
 *    Copyright 2023 iFood
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package out

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	portsout "gatescan/domain/ports/out"
)

const (
	dialTimeout    = 10 * time.Second
	commandTimeout = 30 * time.Second
	maxDialRetries = 3
)

// ClamdScanner drives one clamd daemon over its line protocol. Every Scan
// opens a dedicated connection: INSTREAM is not re-entrant on a single
// socket, and the worker pool gives each worker its own scanner anyway.
type ClamdScanner struct {
	network string
	address string
}

func NewClamdScanner(clamdURL string) (*ClamdScanner, error) {
	parsed, err := url.Parse(clamdURL)
	if err != nil {
		return nil, fmt.Errorf("invalid clamd url %q. %w", clamdURL, err)
	}

	switch parsed.Scheme {
	case "tcp":
		return &ClamdScanner{network: "tcp", address: parsed.Host}, nil
	case "unix":
		return &ClamdScanner{network: "unix", address: parsed.Path}, nil
	default:
		return nil, fmt.Errorf("unsupported clamd scheme %q", parsed.Scheme)
	}
}

func (c *ClamdScanner) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: dialTimeout}

	var conn net.Conn
	operation := func() error {
		var err error
		conn, err = dialer.DialContext(ctx, c.network, c.address)
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxDialRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, errors.Wrapf(err, "failed to reach clamd at %s://%s", c.network, c.address)
	}

	return conn, nil
}

// command runs one null-terminated z-style command and returns the reply
// line without the trailing terminator.
func (c *ClamdScanner) command(ctx context.Context, cmd string) (string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	deadline := time.Now().Add(commandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}

	if _, err := fmt.Fprintf(conn, "z%s\x00", cmd); err != nil {
		return "", errors.Wrapf(err, "failed to send %s", cmd)
	}

	reply, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil && err != io.EOF {
		return "", errors.Wrapf(err, "failed to read %s reply", cmd)
	}

	return strings.TrimRight(strings.TrimSpace(reply), "\x00"), nil
}

func (c *ClamdScanner) Ping(ctx context.Context) error {
	reply, err := c.command(ctx, "PING")
	if err != nil {
		return err
	}

	if reply != "PONG" {
		return fmt.Errorf("unexpected ping reply %q", reply)
	}

	return nil
}

func (c *ClamdScanner) Version(ctx context.Context) (string, error) {
	return c.command(ctx, "VERSION")
}

func (c *ClamdScanner) Reload(ctx context.Context) error {
	reply, err := c.command(ctx, "RELOAD")
	if err != nil {
		return err
	}

	if !strings.Contains(reply, "RELOADING") {
		return fmt.Errorf("unexpected reload reply %q", reply)
	}

	return nil
}

func (c *ClamdScanner) Scan(ctx context.Context, chunks portsout.ChunkIterator) (portsout.ScanOutcome, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return portsout.ScanOutcome{}, err
	}
	defer conn.Close()

	// Scans may legitimately outlive commandTimeout on large bodies; the
	// deadline tracks the caller's context instead.
	if d, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(d); err != nil {
			return portsout.ScanOutcome{}, err
		}
	}

	if _, err := conn.Write([]byte("zINSTREAM\x00")); err != nil {
		return portsout.ScanOutcome{}, errors.Wrap(err, "failed to open INSTREAM session")
	}

	sizePrefix := make([]byte, 4)

	for {
		chunk, err := chunks.Next(ctx)
		if err == io.EOF {
			break
		}

		if err != nil {
			return portsout.ScanOutcome{}, errors.Wrap(err, "chunk source failed mid-scan")
		}

		if len(chunk) == 0 {
			continue
		}

		binary.BigEndian.PutUint32(sizePrefix, uint32(len(chunk)))
		if _, err := conn.Write(sizePrefix); err != nil {
			return portsout.ScanOutcome{}, errors.Wrap(err, "failed to write chunk header")
		}

		if _, err := conn.Write(chunk); err != nil {
			return portsout.ScanOutcome{}, errors.Wrap(err, "failed to write chunk")
		}
	}

	binary.BigEndian.PutUint32(sizePrefix, 0)
	if _, err := conn.Write(sizePrefix); err != nil {
		return portsout.ScanOutcome{}, errors.Wrap(err, "failed to terminate INSTREAM session")
	}

	reply, err := bufio.NewReader(conn).ReadString('\x00')
	if err != nil && err != io.EOF {
		return portsout.ScanOutcome{}, errors.Wrap(err, "failed to read verdict")
	}

	return interpretVerdict(strings.TrimRight(strings.TrimSpace(reply), "\x00"))
}

func interpretVerdict(reply string) (portsout.ScanOutcome, error) {
	outcome := portsout.ScanOutcome{Raw: reply}

	switch {
	case strings.HasSuffix(reply, "OK"):
		return outcome, nil

	case strings.HasSuffix(reply, "FOUND"):
		outcome.Infected = true
		outcome.Virus = virusName(reply)
		return outcome, nil

	default:
		return outcome, fmt.Errorf("clamd error reply %q", reply)
	}
}

// virusName extracts the signature from "stream: Eicar-Signature FOUND".
func virusName(reply string) string {
	trimmed := strings.TrimSuffix(reply, " FOUND")
	if idx := strings.Index(trimmed, ": "); idx >= 0 {
		return trimmed[idx+2:]
	}

	return trimmed
}
