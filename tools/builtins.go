package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	readFileMaxBytes  = 10000
	runCommandMaxOut  = 5000
	httpRequestMaxOut = 5000
	searchMinInterval = time.Second
)

var (
	searchMu       sync.Mutex
	lastSearchTime time.Time
)

// NewDefaultRegistry builds a Registry pre-populated with the runtime's
// built-in tools, matching original_source's create_default_registry.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(webSearchTool())
	_ = r.Register(readFileTool())
	_ = r.Register(writeFileTool())
	_ = r.Register(runCommandTool())
	_ = r.Register(httpRequestTool())
	_ = r.Register(calculateTool())
	return r
}

func webSearchTool() *Tool {
	return &Tool{
		Name:        "web_search",
		Description: "Search the web for information using DuckDuckGo",
		Parameters: []Parameter{
			{Name: "query", Type: "string", Description: "The search query", Required: true},
			{Name: "num_results", Type: "number", Description: "Number of results to return", Required: false},
		},
		Run: webSearch,
	}
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

func webSearch(ctx context.Context, args map[string]interface{}) (string, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", fmt.Errorf("query is required")
	}
	numResults := 5
	if n, ok := args["num_results"].(float64); ok && n > 0 {
		numResults = int(n)
	}

	searchMu.Lock()
	elapsed := time.Since(lastSearchTime)
	if elapsed < searchMinInterval {
		searchMu.Unlock()
		select {
		case <-time.After(searchMinInterval - elapsed):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		searchMu.Lock()
	}
	lastSearchTime = time.Now()
	searchMu.Unlock()

	searchURL := "https://html.duckduckgo.com/html/?q=" + url.QueryEscape(query)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Sprintf("Search failed: %v", err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("Search request failed with status %d", resp.StatusCode), nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Sprintf("Search failed: %v", err), nil
	}

	results := parseDuckDuckGoResults(string(body), numResults)
	if len(results) == 0 {
		return fmt.Sprintf("No results found for '%s'.", query), nil
	}

	out, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

var (
	resultLinkRe    = regexp.MustCompile(`(?s)<a[^>]*class="result__a"[^>]*href="([^"]*)"[^>]*>(.*?)</a>`)
	resultSnippetRe = regexp.MustCompile(`(?s)<a[^>]*class="result__snippet"[^>]*>(.*?)</a>`)
	htmlTagRe       = regexp.MustCompile(`<[^>]+>`)
)

// parseDuckDuckGoResults extracts title/url/snippet triples from
// DuckDuckGo's HTML search results. It only implements the fallback
// link/snippet scan from original_source (the per-block regex there is
// best-effort even in Python); precise block grouping is not needed to
// produce usable results.
func parseDuckDuckGoResults(html string, maxResults int) []searchResult {
	links := resultLinkRe.FindAllStringSubmatch(html, -1)
	snippets := resultSnippetRe.FindAllStringSubmatch(html, -1)

	var results []searchResult
	for i, link := range links {
		if len(results) >= maxResults {
			break
		}
		title := strings.TrimSpace(htmlTagRe.ReplaceAllString(link[2], ""))
		linkURL := link[1]
		snippet := ""
		if i < len(snippets) {
			snippet = strings.TrimSpace(htmlTagRe.ReplaceAllString(snippets[i][1], ""))
		}
		if title != "" && linkURL != "" {
			results = append(results, searchResult{Title: title, URL: linkURL, Snippet: snippet})
		}
	}
	return results
}

func readFileTool() *Tool {
	return &Tool{
		Name:        "read_file",
		Description: "Read the contents of a file",
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "The file path to read", Required: true},
		},
		Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
			path, _ := args["path"].(string)
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Sprintf("Error reading file: %v", err), nil
			}
			if len(data) > readFileMaxBytes {
				data = data[:readFileMaxBytes]
			}
			return string(data), nil
		},
	}
}

func writeFileTool() *Tool {
	return &Tool{
		Name:        "write_file",
		Description: "Write content to a file",
		Parameters: []Parameter{
			{Name: "path", Type: "string", Description: "The file path to write to", Required: true},
			{Name: "content", Type: "string", Description: "The content to write", Required: true},
		},
		Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
			path, _ := args["path"].(string)
			content, _ := args["content"].(string)
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				return fmt.Sprintf("Error writing file: %v", err), nil
			}
			return fmt.Sprintf("Successfully wrote to %s", path), nil
		},
	}
}

func runCommandTool() *Tool {
	return &Tool{
		Name:        "run_command",
		Description: "Run a shell command in a sandboxed environment",
		Parameters: []Parameter{
			{Name: "command", Type: "string", Description: "The command to run", Required: true},
			{Name: "timeout", Type: "number", Description: "Timeout in seconds", Required: false},
		},
		Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
			command, _ := args["command"].(string)
			timeoutSecs := 30
			if t, ok := args["timeout"].(float64); ok && t > 0 {
				timeoutSecs = int(t)
			}

			runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSecs)*time.Second)
			defer cancel()

			cmd := exec.CommandContext(runCtx, "sh", "-c", command)
			var buf bytes.Buffer
			cmd.Stdout = &buf
			cmd.Stderr = &buf
			err := cmd.Run()

			if runCtx.Err() == context.DeadlineExceeded {
				return fmt.Sprintf("Command timed out after %d seconds", timeoutSecs), nil
			}
			if err != nil && buf.Len() == 0 {
				return fmt.Sprintf("Error running command: %v", err), nil
			}

			output := buf.String()
			if len(output) > runCommandMaxOut {
				output = output[:runCommandMaxOut]
			}
			return output, nil
		},
	}
}

func httpRequestTool() *Tool {
	return &Tool{
		Name:        "http_request",
		Description: "Make an HTTP request to a URL",
		Parameters: []Parameter{
			{Name: "url", Type: "string", Description: "The URL to request", Required: true},
			{Name: "method", Type: "string", Description: "HTTP method", Required: false},
			{Name: "body", Type: "string", Description: "Request body (for POST/PUT)", Required: false},
		},
		Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
			reqURL, _ := args["url"].(string)
			method, _ := args["method"].(string)
			if method == "" {
				method = "GET"
			}
			body, _ := args["body"].(string)

			method = strings.ToUpper(method)
			switch method {
			case "GET", "POST", "PUT", "DELETE":
			default:
				return fmt.Sprintf("Unsupported method: %s", method), nil
			}

			var bodyReader io.Reader
			if body != "" {
				bodyReader = strings.NewReader(body)
			}

			req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
			if err != nil {
				return fmt.Sprintf("Request failed: %v", err), nil
			}

			client := &http.Client{Timeout: 30 * time.Second}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Sprintf("Request failed: %v", err), nil
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Sprintf("Request failed: %v", err), nil
			}
			if len(data) > httpRequestMaxOut {
				data = data[:httpRequestMaxOut]
			}
			return fmt.Sprintf("Status: %d\n\n%s", resp.StatusCode, string(data)), nil
		},
	}
}

func calculateTool() *Tool {
	return &Tool{
		Name:        "calculate",
		Description: "Perform a mathematical calculation",
		Parameters: []Parameter{
			{Name: "expression", Type: "string", Description: "The mathematical expression to evaluate", Required: true},
		},
		Run: func(ctx context.Context, args map[string]interface{}) (string, error) {
			expr, _ := args["expression"].(string)
			result, err := evalArithmetic(expr)
			if err != nil {
				return "", fmt.Errorf("calculation error: %w", err)
			}
			return formatNumber(result), nil
		},
	}
}

func formatNumber(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
