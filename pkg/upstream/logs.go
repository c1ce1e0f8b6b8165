package upstream

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
)

// Docker multiplexes stdout/stderr into one stream when a container runs
// without a TTY. Each frame is an 8-byte header followed by the payload:
//
//	[stream(1), 0, 0, 0, size(4, big-endian)] payload...
//
// stream is 0 (stdin), 1 (stdout) or 2 (stderr).
const logFrameHeaderLen = 8

// DemuxLogStream strips frame headers from a multiplexed container log
// payload and returns the concatenated output. Payloads that do not look
// framed (TTY containers) are returned unchanged.
func DemuxLogStream(data []byte) []byte {
	if !looksFramed(data) {
		return data
	}

	var out bytes.Buffer
	for len(data) >= logFrameHeaderLen {
		size := binary.BigEndian.Uint32(data[4:8])
		frameEnd := logFrameHeaderLen + int(size)
		if frameEnd > len(data) {
			// Truncated frame; keep what fits.
			out.Write(data[logFrameHeaderLen:])
			break
		}
		out.Write(data[logFrameHeaderLen:frameEnd])
		data = data[frameEnd:]
	}
	return out.Bytes()
}

// looksFramed checks whether data starts with a plausible frame header.
func looksFramed(data []byte) bool {
	if len(data) < logFrameHeaderLen {
		return false
	}
	stream := data[0]
	if stream > 2 {
		return false
	}
	return data[1] == 0 && data[2] == 0 && data[3] == 0
}

// sensitiveLabelFragments mark label and env keys whose values are redacted
// before container metadata is handed to the dashboard.
var sensitiveLabelFragments = []string{
	"secret", "token", "password", "passwd", "api_key", "apikey",
	"credential", "private_key", "access_key",
}

// redactedValue replaces sensitive label and env values.
const redactedValue = "[REDACTED]"

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, fragment := range sensitiveLabelFragments {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// RedactSensitiveLabels rewrites container JSON so that label values and
// env entries with secret-looking keys are replaced before the payload
// leaves this layer. Input may be a single object or an array of objects;
// anything else passes through unchanged.
func RedactSensitiveLabels(data []byte) ([]byte, error) {
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decode container payload: %w", err)
	}

	redactValue(decoded)

	out, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("encode container payload: %w", err)
	}
	return out, nil
}

// redactValue walks the decoded payload in place.
func redactValue(v any) {
	switch node := v.(type) {
	case map[string]any:
		for key, child := range node {
			switch key {
			case "Labels", "labels":
				redactLabelMap(child)
			case "Env", "env":
				node[key] = redactEnvList(child)
			default:
				redactValue(child)
			}
		}
	case []any:
		for _, child := range node {
			redactValue(child)
		}
	}
}

func redactLabelMap(v any) {
	labels, ok := v.(map[string]any)
	if !ok {
		return
	}
	for key := range labels {
		if isSensitiveKey(key) {
			labels[key] = redactedValue
		}
	}
}

// redactEnvList handles the "KEY=value" entries of a container Env array.
func redactEnvList(v any) any {
	env, ok := v.([]any)
	if !ok {
		return v
	}
	for i, item := range env {
		entry, ok := item.(string)
		if !ok {
			continue
		}
		key, _, found := strings.Cut(entry, "=")
		if found && isSensitiveKey(key) {
			env[i] = key + "=" + redactedValue
		}
	}
	return env
}

// ContainerLogs fetches a container's logs from an endpoint and strips the
// stream framing.
func (c *Client) ContainerLogs(ctx context.Context, endpointID int, containerID string, tail int) ([]byte, error) {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/%s/logs?stdout=1&stderr=1&tail=%d",
		endpointID, containerID, tail)

	data, err := c.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return DemuxLogStream(data), nil
}

// Containers fetches the container list of an endpoint with sensitive
// labels redacted.
func (c *Client) Containers(ctx context.Context, endpointID int) ([]byte, error) {
	path := fmt.Sprintf("/api/endpoints/%d/docker/containers/json?all=1", endpointID)

	data, err := c.Get(ctx, path)
	if err != nil {
		return nil, err
	}

	redacted, err := RedactSensitiveLabels(data)
	if err != nil {
		c.logger.Warn().Err(err).Int("endpoint_id", endpointID).Msg("Label redaction failed, returning raw payload")
		return data, nil
	}
	return redacted, nil
}
