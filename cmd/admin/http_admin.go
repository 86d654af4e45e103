package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"terragen.ai/internal/preset"
)

const defaultBaseURL = "http://127.0.0.1:8080"

// adminCall is one request against the loopback admin surface.
type adminCall struct {
	method  string
	path    string
	query   url.Values
	body    []byte
	timeout time.Duration
}

func (c adminCall) do(baseURL string) {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + c.path
	if len(c.query) > 0 {
		u += "?" + c.query.Encode()
	}
	var body io.Reader
	if c.body != nil {
		body = bytes.NewReader(c.body)
	}
	req, err := http.NewRequest(c.method, u, body)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(2)
	}
	if c.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := (&http.Client{Timeout: c.timeout}).Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Println(strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		os.Exit(1)
	}
}

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", defaultBaseURL, "server base url")
	_ = fs.Parse(args)
	adminCall{method: http.MethodGet, path: "/admin/v1/state", timeout: 5 * time.Second}.do(*baseURL)
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", defaultBaseURL, "server base url")
	_ = fs.Parse(args)
	adminCall{method: http.MethodPost, path: "/admin/v1/snapshot", timeout: 10 * time.Second}.do(*baseURL)
}

// presetCmd prints the live preset, or with -apply validates a preset file
// locally and sends it to the server for a full rebuild.
func presetCmd(args []string) {
	fs := flag.NewFlagSet("preset", flag.ExitOnError)
	baseURL := fs.String("url", defaultBaseURL, "server base url")
	apply := fs.String("apply", "", "preset JSON file to apply (optional)")
	save := fs.String("save", "", "also store the applied preset on the server under this name (optional)")
	_ = fs.Parse(args)

	call := adminCall{method: http.MethodGet, path: "/admin/v1/preset", timeout: 30 * time.Second}
	if path := strings.TrimSpace(*apply); path != "" {
		p, err := preset.Load(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "load preset:", err)
			os.Exit(2)
		}
		if call.body, err = preset.Encode(p); err != nil {
			fmt.Fprintln(os.Stderr, "encode preset:", err)
			os.Exit(1)
		}
		call.method = http.MethodPost
		if name := strings.TrimSpace(*save); name != "" {
			call.query = url.Values{"save": {name}}
		}
	}
	call.do(*baseURL)
}
