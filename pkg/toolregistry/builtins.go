package toolregistry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/Mindburn-Labs/agentgate/pkg/contracts"
)

// maxHTTPBody caps how much of a fetched response body is returned.
const maxHTTPBody = 1 << 20

// RegisterBuiltins installs the gateway's built-in tool set. Every tool
// with a structural resource argument (path, URL, command) declares an
// extractor so Invoke consults the Policy Engine before the handler runs.
func RegisterBuiltins(r *Registry) error {
	builtins := []ToolDefinition{
		{
			ID:                  "builtin:file_read",
			Name:                "Read file",
			Description:         "Read a file's contents as text.",
			Category:            "filesystem",
			RequiredPermissions: []string{"filesystem.read"},
			Handler:             fileReadHandler,
			ExtractResource:     fileExtractor("read"),
		},
		{
			ID:                   "builtin:file_write",
			Name:                 "Write file",
			Description:          "Write text content to a file, creating it if needed.",
			Category:             "filesystem",
			RequiredPermissions:  []string{"filesystem.write"},
			RequiresConfirmation: true,
			Handler:              fileWriteHandler,
			ExtractResource:      fileExtractor("write"),
		},
		{
			ID:                  "builtin:file_list",
			Name:                "List directory",
			Description:         "List the entries of a directory.",
			Category:            "filesystem",
			RequiredPermissions: []string{"filesystem.read"},
			Handler:             fileListHandler,
			ExtractResource:     fileExtractor("list"),
		},
		{
			ID:                   "builtin:file_delete",
			Name:                 "Delete file",
			Description:          "Delete a single file.",
			Category:             "filesystem",
			RequiredPermissions:  []string{"filesystem.delete"},
			RequiresConfirmation: true,
			Handler:              fileDeleteHandler,
			ExtractResource:      fileExtractor("delete"),
		},
		{
			ID:                  "builtin:http_get",
			Name:                "HTTP GET",
			Description:         "Fetch a URL and return the response body.",
			Category:            "network",
			RequiredPermissions: []string{"network.http"},
			Handler:             httpGetHandler,
			ExtractResource:     httpExtractor,
		},
		{
			ID:                   "builtin:shell_exec",
			Name:                 "Shell command",
			Description:          "Run a command and capture its combined output.",
			Category:             "shell",
			RequiredPermissions:  []string{"shell.execute"},
			RequiresConfirmation: true,
			Handler:              shellExecHandler,
			ExtractResource:      shellExtractor,
		},
	}
	for _, def := range builtins {
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func fileExtractor(op string) ResourceExtractor {
	return func(args map[string]any) (ResourceArgs, bool) {
		path, _ := args["path"].(string)
		if path == "" {
			return ResourceArgs{}, false
		}
		return ResourceArgs{Kind: contracts.PolicyKindFile, Path: path, Operation: op}, true
	}
}

func httpExtractor(args map[string]any) (ResourceArgs, bool) {
	raw, _ := args["url"].(string)
	if raw == "" {
		return ResourceArgs{}, false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		// an unparseable URL still reaches the policy engine as a host
		// match target, never the handler
		return ResourceArgs{Kind: contracts.PolicyKindNetwork, Host: raw}, true
	}
	port := 0
	if p := u.Port(); p != "" {
		port, _ = strconv.Atoi(p)
	} else if u.Scheme == "https" {
		port = 443
	} else if u.Scheme == "http" {
		port = 80
	}
	return ResourceArgs{
		Kind:     contracts.PolicyKindNetwork,
		Host:     u.Hostname(),
		Port:     port,
		Protocol: u.Scheme,
	}, true
}

func shellExtractor(args map[string]any) (ResourceArgs, bool) {
	command, _ := args["command"].(string)
	if command == "" {
		return ResourceArgs{}, false
	}
	if rawArgs, ok := args["args"].([]any); ok {
		parts := make([]string, 0, len(rawArgs))
		for _, a := range rawArgs {
			if s, ok := a.(string); ok {
				parts = append(parts, s)
			}
		}
		if len(parts) > 0 {
			command = command + " " + strings.Join(parts, " ")
		}
	}
	return ResourceArgs{Kind: contracts.PolicyKindShell, Command: command}, true
}

func fileReadHandler(_ context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func fileWriteHandler(_ context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return nil, err
	}
	return map[string]any{"path": path, "bytes": len(content)}, nil
}

func fileListHandler(_ context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}

func fileDeleteHandler(_ context.Context, args map[string]any) (any, error) {
	path, _ := args["path"].(string)
	if err := os.Remove(path); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": path}, nil
}

func httpGetHandler(ctx context.Context, args map[string]any) (any, error) {
	raw, _ := args["url"].(string)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, raw, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status": resp.StatusCode,
		"body":   string(body),
	}, nil
}

func shellExecHandler(ctx context.Context, args map[string]any) (any, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return nil, fmt.Errorf("command required")
	}
	var extra []string
	if rawArgs, ok := args["args"].([]any); ok {
		for _, a := range rawArgs {
			if s, ok := a.(string); ok {
				extra = append(extra, s)
			}
		}
	}
	out, err := exec.CommandContext(ctx, command, extra...).CombinedOutput()
	if err != nil {
		return map[string]any{"output": string(out), "error": err.Error()}, nil
	}
	return map[string]any{"output": string(out)}, nil
}
