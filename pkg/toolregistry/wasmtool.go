package toolregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// NewWASMHandler wraps a WASM module as a tool Handler. The module runs
// under a deny-by-default WASI runtime: no filesystem mounts, no network,
// no environment variables. Call arguments are passed as JSON on stdin;
// whatever the module writes to stdout is returned as the tool content
// (parsed as JSON when possible, raw text otherwise). Memory is capped
// at memoryLimitBytes; wall time is bounded by the registry's normal
// invocation timeout.
func NewWASMHandler(ctx context.Context, wasmBytes []byte, memoryLimitBytes int64) (Handler, func(context.Context) error, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if memoryLimitBytes > 0 {
		pages := uint32(memoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	compiled, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, nil, fmt.Errorf("toolregistry: wasm compilation failed: %w", err)
	}

	handler := func(ctx context.Context, args map[string]any) (any, error) {
		input, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}

		var stdout, stderr bytes.Buffer
		modCfg := wazero.NewModuleConfig().
			WithName("").
			WithStartFunctions("_start").
			WithStdin(bytes.NewReader(input)).
			WithStdout(&stdout).
			WithStderr(&stderr)

		mod, err := rt.InstantiateModule(ctx, compiled, modCfg)
		if err != nil {
			return nil, fmt.Errorf("wasm execution failed: %w (stderr: %s)", err, stderr.String())
		}
		_ = mod.Close(ctx)

		var decoded any
		if json.Unmarshal(stdout.Bytes(), &decoded) == nil {
			return decoded, nil
		}
		return stdout.String(), nil
	}

	return handler, rt.Close, nil
}
