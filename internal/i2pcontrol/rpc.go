package i2pcontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/i2plabs/i2pcontrol-exporter/internal/version"
)

const (
	methodAuthenticate = "Authenticate"
	methodRouterInfo   = "RouterInfo"

	// maxResponseBytes bounds how much of an upstream response is read.
	maxResponseBytes = 4 << 20
	// maxSnippetChars bounds upstream body excerpts quoted in errors.
	maxSnippetChars = 2048
)

// RPCError is a structured JSON-RPC error returned by the upstream API.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Method  string `json:"-"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s error %d: %s", e.Method, e.Code, e.Message)
}

// I2PControl reserves an error-code range for token problems: -32002 token
// not presented, -32003 token nonexistent, -32004 token expired.
const (
	tokenErrorMin = -32004
	tokenErrorMax = -32002
)

// IsTokenError reports whether err is an upstream RPC error in the
// token-expiry range.
func IsTokenError(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code >= tokenErrorMin && rpcErr.Code <= tokenErrorMax
}

// rpcRequest is the JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	ID      int    `json:"id"`
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// rpcResponse is the JSON-RPC 2.0 response envelope. Result stays raw so
// each method decodes its own shape.
type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call performs one JSON-RPC request and decodes the result into out.
func (c *Client) call(ctx context.Context, method string, params map[string]any, out any) error {
	// Marshal up front so the request carries a known Content-Length; some
	// I2PControl servers reject chunked bodies as malformed JSON.
	body, err := json.Marshal(rpcRequest{ID: 1, JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", method, err)
	}

	if c.debugRPC {
		c.logger.Debug("rpc request",
			zap.String("method", method),
			zap.Any("params", redactParams(params)),
		)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "i2pcontrol-exporter/"+version.Short())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("reading %s response: %w", method, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d calling %s: body: %s", resp.StatusCode, method, bodySnippet(method, respBody))
	}

	// Authenticate bodies are never logged; they carry the token.
	if c.debugRPC && method == methodRouterInfo {
		c.logger.Debug("rpc response",
			zap.String("method", method),
			zap.String("body", truncateChars(string(respBody), 4096)),
		)
	}

	var envelope rpcResponse
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("decoding %s response: %w; body: %s", method, err, bodySnippet(method, respBody))
	}
	if envelope.Error != nil {
		envelope.Error.Method = method
		return envelope.Error
	}
	if out != nil {
		// Unmarshal treats a JSON null as a no-op, so an empty reply would
		// otherwise pass as a healthy result.
		if len(envelope.Result) == 0 || string(envelope.Result) == "null" {
			return fmt.Errorf("missing result in %s response; body: %s", method, bodySnippet(method, respBody))
		}
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("decoding %s result: %w; body: %s", method, err, bodySnippet(method, respBody))
		}
	}
	return nil
}

// bodySnippet trims an upstream body for inclusion in an error message.
// Authenticate responses are omitted entirely.
func bodySnippet(method string, body []byte) string {
	if method == methodAuthenticate {
		return "<omitted>"
	}
	return truncateChars(string(body), maxSnippetChars)
}

// truncateChars shortens s to at most max characters, respecting rune
// boundaries.
func truncateChars(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// redactParams masks credential values before they reach a log line.
func redactParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if k == "Password" || k == "Token" {
			out[k] = "***redacted***"
			continue
		}
		out[k] = v
	}
	return out
}
