package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// RegisterDevice upserts the endpoint's device record with the signaling
// service. Registration is idempotent; re-registering an id already owned by
// the same user succeeds.
func RegisterDevice(ctx context.Context, signalingBaseURL, token, deviceID string, pubkey []byte) error {
	body, err := json.Marshal(map[string]string{
		"device_id": deviceID,
		"pubkey":    string(pubkey),
	})
	if err != nil {
		return err
	}
	// The signaling base URL may be given with a WebSocket scheme; the
	// registration endpoint is plain HTTP on the same server.
	base := strings.TrimSuffix(signalingBaseURL, "/")
	switch {
	case strings.HasPrefix(base, "ws://"):
		base = "http://" + strings.TrimPrefix(base, "ws://")
	case strings.HasPrefix(base, "wss://"):
		base = "https://" + strings.TrimPrefix(base, "wss://")
	}
	endpoint := base + "/devices/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: register device: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("transport: register device: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("transport: register device: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
