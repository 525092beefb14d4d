// Package leaseqctl implements the leaseqctl command against the HTTP admin API.
package leaseqctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type Options struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type request struct {
	method      string
	path        string
	body        []byte
	contentType string
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("leaseqctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "leaseq API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 10*time.Second), "HTTP timeout (e.g. 10s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	req, err := buildRequest(strings.TrimSpace(fs.Arg(0)), fs.Args()[1:])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		writeUsage(stderr)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	code, responseBody, err := doRequest(ctx, client, req, endpoint, *apiKey)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func buildRequest(command string, args []string) (request, error) {
	switch command {
	case "health":
		return request{method: http.MethodGet, path: "/v1/health"}, nil
	case "ready":
		return request{method: http.MethodGet, path: "/v1/ready"}, nil
	case "topics":
		return request{method: http.MethodGet, path: "/v1/topics"}, nil
	case "size":
		if len(args) != 1 {
			return request{}, fmt.Errorf("size requires <topic>")
		}
		topic, err := parseTopic(args[0])
		if err != nil {
			return request{}, err
		}
		return request{method: http.MethodGet, path: "/v1/topics/" + topic + "/size"}, nil
	case "put":
		if len(args) != 2 {
			return request{}, fmt.Errorf("put requires <topic> <payload>")
		}
		topic, err := parseTopic(args[0])
		if err != nil {
			return request{}, err
		}
		return request{
			method:      http.MethodPost,
			path:        "/v1/topics/" + topic + "/messages",
			body:        []byte(args[1]),
			contentType: "application/octet-stream",
		}, nil
	case "snapshot":
		return request{method: http.MethodPost, path: "/v1/snapshots"}, nil
	case "snapshots":
		return request{method: http.MethodGet, path: "/v1/snapshots"}, nil
	case "restore":
		if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
			return request{}, fmt.Errorf("restore requires <key>")
		}
		body, err := json.Marshal(map[string]string{"key": strings.TrimSpace(args[0])})
		if err != nil {
			return request{}, err
		}
		return request{method: http.MethodPost, path: "/v1/snapshots/restore", body: body, contentType: "application/json"}, nil
	case "sweep":
		return request{method: http.MethodPost, path: "/v1/maintenance/sweep"}, nil
	case "integrity-run":
		return request{method: http.MethodPost, path: "/v1/integrity/run"}, nil
	default:
		return request{}, fmt.Errorf("unknown command %q", command)
	}
}

func parseTopic(raw string) (string, error) {
	topic, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || topic < 0 {
		return "", fmt.Errorf("invalid topic %q: must be a non-negative integer", raw)
	}
	return url.PathEscape(strconv.FormatInt(topic, 10)), nil
}

func doRequest(ctx context.Context, client *http.Client, r request, endpoint, apiKey string) (int, []byte, error) {
	var body io.Reader
	if r.body != nil {
		body = bytes.NewReader(r.body)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, endpoint, body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if r.contentType != "" {
		req.Header.Set("Content-Type", r.contentType)
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, respBody, nil
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: leaseqctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                 GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                  GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  topics                 GET /v1/topics")
	_, _ = fmt.Fprintln(w, "  size <topic>           GET /v1/topics/{topic}/size")
	_, _ = fmt.Fprintln(w, "  put <topic> <payload>  POST /v1/topics/{topic}/messages")
	_, _ = fmt.Fprintln(w, "  snapshot               POST /v1/snapshots")
	_, _ = fmt.Fprintln(w, "  snapshots              GET /v1/snapshots")
	_, _ = fmt.Fprintln(w, "  restore <key>          POST /v1/snapshots/restore")
	_, _ = fmt.Fprintln(w, "  sweep                  POST /v1/maintenance/sweep")
	_, _ = fmt.Fprintln(w, "  integrity-run          POST /v1/integrity/run")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
