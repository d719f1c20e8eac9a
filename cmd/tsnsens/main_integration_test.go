package main

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestCLI_Manifest_StdoutOnlyManifest(t *testing.T) {
	// stdout 只能输出 manifest 本身；摘要与 skip 提示必须走 stderr。
	root := t.TempDir()
	for _, dir := range []string{"Archery/v_a", "Walk/v_b"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			t.Fatalf("创建目录失败：%v", err)
		}
		for _, name := range []string{"img_00001.jpg", "img_00002.jpg", "img_00003.jpg"} {
			if err := os.WriteFile(filepath.Join(root, dir, name), []byte("x"), 0o644); err != nil {
				t.Fatalf("写入帧失败：%v", err)
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("读取 cwd 失败：%v", err)
	}
	repoRoot := filepath.Clean(filepath.Join(wd, "..", ".."))

	cmd := exec.Command("go", "run", "./cmd/tsnsens", "manifest", root)
	cmd.Dir = repoRoot

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		t.Fatalf("命令执行失败：%v\nstderr=%s\nstdout=%s", err, stderr.String(), stdout.String())
	}

	want := "Archery/v_a 3 0\nWalk/v_b 3 1\n"
	if stdout.String() != want {
		t.Fatalf("manifest 不符合预期：%q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "完成：videos=2") {
		t.Fatalf("stderr 缺少完成摘要：%q", stderr.String())
	}
}
