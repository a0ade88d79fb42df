package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// apiClient returns an http.Client that connects over the Unix socket.
func apiClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func decodeResponse(resp *http.Response, dest any) error {
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("deskd returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

// apiGet performs a GET and decodes the JSON response.
func apiGet(path string, dest any) error {
	resp, err := apiClient().Get("http://deskd" + path)
	if err != nil {
		return fmt.Errorf("cannot connect to deskd at %s: %w", socketPath, err)
	}
	return decodeResponse(resp, dest)
}

// apiPost sends body as JSON and decodes the JSON response.
func apiPost(path string, body, dest any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	resp, err := apiClient().Post("http://deskd"+path, "application/json", r)
	if err != nil {
		return fmt.Errorf("cannot connect to deskd at %s: %w", socketPath, err)
	}
	return decodeResponse(resp, dest)
}
