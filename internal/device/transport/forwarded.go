// File: internal/device/transport/forwarded.go
// Description: The store-and-forward channel: requests travel as adb shell
// invocations of the portal's content provider, replies come back as content
// rows. Always reachable wherever adb itself works, at higher per-call
// latency and with no push capability.

package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ybeetle8/droidrun-vl/api/schemas"
	"github.com/ybeetle8/droidrun-vl/internal/adb"
)

const portalAuthority = "content://com.droidrun.portal"

// ShellRunner is the slice of the adb device handle this channel needs.
type ShellRunner interface {
	Shell(ctx context.Context, command string) (string, error)
}

var _ ShellRunner = (*adb.Device)(nil)

// ForwardedChannel mediates requests through `adb shell content ...`.
// The shell path is text-oriented, so every argument value is base64-encoded
// before it is spliced into the command line; unsafe characters in typed text
// would otherwise corrupt the invocation.
type ForwardedChannel struct {
	shell  ShellRunner
	logger *zap.Logger
}

func NewForwardedChannel(shell ShellRunner, logger *zap.Logger) *ForwardedChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ForwardedChannel{shell: shell, logger: logger.Named("forwarded")}
}

func (c *ForwardedChannel) Name() string { return "forwarded" }

// Open is a no-op: the channel holds no connection of its own, each call is
// an independent shell invocation.
func (c *ForwardedChannel) Open(context.Context) error { return nil }
func (c *ForwardedChannel) Close() error               { return nil }

// Call runs one request through the content provider and parses the reply.
func (c *ForwardedChannel) Call(ctx context.Context, req schemas.ActionRequest) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout(req.Verb)+5*time.Second)
	defer cancel()

	out, err := c.shell.Shell(ctx, buildProviderCommand(req))
	if err != nil {
		return nil, schemas.WrapError(schemas.KindTransportUnavailable, err, "shell invocation for %s", req.Verb)
	}
	resp, err := parseProviderOutput(out)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// buildProviderCommand renders the request as a content query (no arguments)
// or content insert (argument-bearing) against the portal authority.
// Argument order is sorted so the command line is deterministic.
func buildProviderCommand(req schemas.ActionRequest) string {
	uri := fmt.Sprintf("%s/%s", portalAuthority, req.Verb)
	if len(req.Args) == 0 {
		return fmt.Sprintf("content query --uri %s", uri)
	}

	keys := make([]string, 0, len(req.Args))
	for k := range req.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	fmt.Fprintf(&sb, "content insert --uri %s", uri)
	for _, k := range keys {
		encoded := base64.StdEncoding.EncodeToString([]byte(req.Args[k]))
		fmt.Fprintf(&sb, " --bind %s:s:%q", k, encoded)
	}
	return sb.String()
}

// parseProviderOutput extracts the portal's JSON reply from content-provider
// row output. The provider prints rows as `Row: 0 result={...}`; the JSON
// follows the result= marker. Anything that fails to parse is surfaced as
// MalformedResponse, never silently ignored.
func parseProviderOutput(raw string) (*Response, error) {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)

		if idx := strings.Index(line, "result="); idx >= 0 {
			var resp Response
			if err := json.Unmarshal([]byte(line[idx+len("result="):]), &resp); err != nil {
				continue
			}
			if resp.Status == "" {
				continue
			}
			return &resp, nil
		}

		// Some provider builds print the JSON block bare.
		if strings.HasPrefix(line, "{") {
			var resp Response
			if err := json.Unmarshal([]byte(line), &resp); err == nil && resp.Status != "" {
				return &resp, nil
			}
		}
	}
	return nil, schemas.NewError(schemas.KindMalformedResponse,
		"no parseable result row in provider output (%d bytes)", len(raw))
}
