package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

var apiHTTPClient = &http.Client{Timeout: 6 * time.Minute}

type apiFailure struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Operation string `json:"operation"`
	TxHash    string `json:"txHash"`
}

func (f *apiFailure) Error() string {
	if f.Kind == "" {
		return f.Message
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// callAPI sends body (when non-nil) and decodes a 2xx response into out.
func callAPI(prof profile, method, path string, body, out any) (int, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return 0, err
		}
	}
	status, _, data, err := send(prof, method, path, payload, "application/json")
	if err != nil {
		return status, err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return status, fmt.Errorf("decode response: %w", err)
		}
	}
	return status, nil
}

// fetchRaw GETs path and returns the undecoded body with its headers.
func fetchRaw(prof profile, path string) ([]byte, http.Header, error) {
	_, header, data, err := send(prof, http.MethodGet, path, nil, "*/*")
	return data, header, err
}

func send(prof profile, method, path string, payload []byte, accept string) (int, http.Header, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, prof.Endpoint+path, reader)
	if err != nil {
		return 0, nil, nil, err
	}
	req.Header.Set("Accept", accept)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prof.Token != "" {
		req.Header.Set("Authorization", "Bearer "+prof.Token)
	}
	resp, err := apiHTTPClient.Do(req)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return resp.StatusCode, resp.Header, nil, err
	}
	if resp.StatusCode == http.StatusAccepted {
		// A submitted transaction whose confirmation timed out.
		var pending apiFailure
		if json.Unmarshal(data, &pending) == nil && pending.Kind != "" {
			return resp.StatusCode, resp.Header, nil, &pending
		}
	}
	if resp.StatusCode >= 300 {
		failure := &apiFailure{}
		if err := json.Unmarshal(data, failure); err != nil || failure.Message == "" {
			failure.Message = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return resp.StatusCode, resp.Header, nil, failure
	}
	return resp.StatusCode, resp.Header, data, nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func printAPIError(stderr io.Writer, err error) int {
	if failure, ok := err.(*apiFailure); ok && failure.TxHash != "" {
		fmt.Fprintf(stderr, "Error: %v\nTransaction: %s (check later with `notectl tx %s`)\n", failure, failure.TxHash, failure.TxHash)
		return 1
	}
	return printError(stderr, err.Error())
}
