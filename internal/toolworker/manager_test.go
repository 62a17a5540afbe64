package toolworker

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func TestManagerRestartOnCrash(t *testing.T) {
	python := requirePython(t)

	root := t.TempDir()
	script := filepath.Join(root, "fake_worker.py")
	code := `import sys, json
for line in sys.stdin:
    if not line.strip():
        continue
    req = json.loads(line)
    mid = req.get("method")
    if mid == "Crash":
        sys.exit(0)
    resp = {"jsonrpc":"2.0","id":req.get("id"),"result":{"ok":True}}
    sys.stdout.write(json.dumps(resp)+"\n")
    sys.stdout.flush()
`
	code = "#!/usr/bin/env " + filepath.Base(python) + "\n" + code
	if err := os.WriteFile(script, []byte(code), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}

	mgr := New("", nil)
	mgr.SetCommand(script, nil)
	if err := mgr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var info map[string]any
	if err := mgr.Call(ctx, "WorkerGetInfo", map[string]any{}, &info); err != nil {
		t.Fatalf("call: %v", err)
	}

	crashCtx, crashCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer crashCancel()
	if err := mgr.Call(crashCtx, "Crash", map[string]any{}, &info); err == nil {
		t.Fatalf("expected crash error")
	}

	retryCtx, retryCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer retryCancel()
	if err := mgr.Call(retryCtx, "WorkerGetInfo", map[string]any{}, &info); err != nil {
		t.Fatalf("expected restart, got %v", err)
	}
}

func TestManagerCallTimeout(t *testing.T) {
	python := requirePython(t)

	root := t.TempDir()
	script := filepath.Join(root, "sleep_worker.py")
	code := `import sys, json, time
for line in sys.stdin:
    if not line.strip():
        continue
    time.sleep(5)
    req = json.loads(line)
    resp = {"jsonrpc":"2.0","id":req.get("id"),"result":{"ok":True}}
    sys.stdout.write(json.dumps(resp)+"\n")
    sys.stdout.flush()
`
	code = "#!/usr/bin/env " + filepath.Base(python) + "\n" + code
	if err := os.WriteFile(script, []byte(code), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}

	mgr := New("", nil)
	mgr.SetCommand(script, nil)
	if err := mgr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var info map[string]any
	err := mgr.Call(ctx, "WorkerGetInfo", map[string]any{}, &info)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestManagerSetCommandOverridesDiscovery(t *testing.T) {
	python := requirePython(t)

	root := t.TempDir()
	script := filepath.Join(root, "echo_worker.py")
	code := `import sys, json
for line in sys.stdin:
    if not line.strip():
        continue
    req = json.loads(line)
    resp = {"jsonrpc":"2.0","id":req.get("id"),"result":{"echo":req.get("params")}}
    sys.stdout.write(json.dumps(resp)+"\n")
    sys.stdout.flush()
`
	code = "#!/usr/bin/env " + filepath.Base(python) + "\n" + code
	if err := os.WriteFile(script, []byte(code), 0o700); err != nil {
		t.Fatalf("write script: %v", err)
	}

	mgr := New("", nil)
	mgr.SetCommand(python, []string{script})
	if err := mgr.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var resp struct {
		Echo map[string]any `json:"echo"`
	}
	if err := mgr.Call(ctx, "Recall", map[string]any{"session_id": "sess-1", "query": "q"}, &resp); err != nil {
		t.Fatalf("call: %v", err)
	}
	if resp.Echo["session_id"] != "sess-1" {
		t.Fatalf("unexpected echoed params: %+v", resp.Echo)
	}
}

func requirePython(t *testing.T) string {
	t.Helper()
	if path, err := exec.LookPath("python3"); err == nil {
		return path
	}
	if path, err := exec.LookPath("python"); err == nil {
		return path
	}
	t.Skip("python not available")
	return ""
}
