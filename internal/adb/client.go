// File: internal/adb/client.go
// Description: Minimal client for the adb host server's socket protocol
// (localhost:5037). Covers exactly what the device layer needs: device
// enumeration, shell execution, and TCP port forwarding.
//
// Host protocol recap: every request is a 4-hex-digit length prefix followed
// by the request body; the server answers with a 4-byte status word (OKAY or
// FAIL). FAIL is followed by a length-prefixed error message. Some requests
// (devices, forward tcp:0) return a length-prefixed payload after OKAY;
// shell streams raw output until EOF.

package adb

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const DefaultAddr = "127.0.0.1:5037"

// Client talks to a local adb host server.
type Client struct {
	addr   string
	dialer net.Dialer
	logger *zap.Logger
}

// DeviceInfo is one row of the host's device list.
type DeviceInfo struct {
	Serial string
	State  string
}

func NewClient(addr string, logger *zap.Logger) *Client {
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		addr:   addr,
		dialer: net.Dialer{Timeout: 5 * time.Second},
		logger: logger.Named("adb"),
	}
}

// Devices lists devices known to the host server.
func (c *Client) Devices(ctx context.Context) ([]DeviceInfo, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if err := c.request(conn, "host:devices"); err != nil {
		return nil, err
	}
	payload, err := readHexPayload(conn)
	if err != nil {
		return nil, fmt.Errorf("adb devices payload: %w", err)
	}

	var devices []DeviceInfo
	for _, line := range strings.Split(strings.TrimSpace(payload), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		devices = append(devices, DeviceInfo{Serial: fields[0], State: fields[1]})
	}
	return devices, nil
}

// Device binds a serial for per-device operations. The serial may be empty
// when exactly one device is attached; the host resolves it.
func (c *Client) Device(serial string) *Device {
	return &Device{client: c, serial: serial}
}

// Device is a handle for shell and forwarding operations on one device.
type Device struct {
	client *Client
	serial string
}

func (d *Device) Serial() string { return d.serial }

// Shell runs a command on the device and returns its combined output.
// The connection lives for exactly one command; output is read to EOF.
func (d *Device) Shell(ctx context.Context, command string) (string, error) {
	conn, err := d.client.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if err := d.client.request(conn, d.transportPrefix()); err != nil {
		return "", err
	}
	if err := d.client.request(conn, "shell:"+command); err != nil {
		return "", err
	}
	out, err := io.ReadAll(conn)
	if err != nil {
		return "", fmt.Errorf("adb shell read: %w", err)
	}
	return string(out), nil
}

// Forward asks the host to forward a local TCP port to remotePort on the
// device. Passing the local side as tcp:0 lets the server pick a free port,
// which it reports back in the reply payload.
func (d *Device) Forward(ctx context.Context, remotePort int) (int, error) {
	conn, err := d.client.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	req := fmt.Sprintf("%s:forward:norebind:tcp:0;tcp:%d", d.hostPrefix(), remotePort)
	if err := d.client.request(conn, req); err != nil {
		return 0, err
	}
	payload, err := readHexPayload(conn)
	if err != nil {
		return 0, fmt.Errorf("adb forward port reply: %w", err)
	}
	port, err := strconv.Atoi(strings.TrimSpace(payload))
	if err != nil {
		return 0, fmt.Errorf("adb forward returned non-numeric port %q", payload)
	}
	d.client.logger.Debug("forward established",
		zap.String("serial", d.serial),
		zap.Int("local", port),
		zap.Int("remote", remotePort))
	return port, nil
}

// KillForward removes a previously established forward for localPort.
func (d *Device) KillForward(ctx context.Context, localPort int) error {
	conn, err := d.client.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	req := fmt.Sprintf("%s:killforward:tcp:%d", d.hostPrefix(), localPort)
	return d.client.request(conn, req)
}

func (d *Device) transportPrefix() string {
	if d.serial == "" {
		return "host:transport-any"
	}
	return "host:transport:" + d.serial
}

func (d *Device) hostPrefix() string {
	if d.serial == "" {
		return "host"
	}
	return "host-serial:" + d.serial
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("adb server %s unreachable: %w", c.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

// request sends one length-prefixed request and consumes the status word.
func (c *Client) request(conn net.Conn, body string) error {
	if _, err := fmt.Fprintf(conn, "%04x%s", len(body), body); err != nil {
		return fmt.Errorf("adb write %q: %w", body, err)
	}
	status := make([]byte, 4)
	if _, err := io.ReadFull(conn, status); err != nil {
		return fmt.Errorf("adb status read for %q: %w", body, err)
	}
	switch string(status) {
	case "OKAY":
		return nil
	case "FAIL":
		msg, err := readHexPayload(conn)
		if err != nil {
			return fmt.Errorf("adb request %q failed (unreadable reason: %v)", body, err)
		}
		return fmt.Errorf("adb request %q failed: %s", body, msg)
	default:
		return fmt.Errorf("adb request %q: unexpected status %q", body, status)
	}
}

// readHexPayload reads one 4-hex-digit length prefix and that many bytes.
func readHexPayload(r io.Reader) (string, error) {
	sizeBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, sizeBuf); err != nil {
		return "", err
	}
	size, err := strconv.ParseUint(string(sizeBuf), 16, 32)
	if err != nil {
		return "", fmt.Errorf("bad length prefix %q: %w", sizeBuf, err)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
