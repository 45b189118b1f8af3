package cli_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/lockvfs/internal/cli"
)

func Test_PrintConfig_Shows_Defaults_When_No_Config_Files(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("print-config")

	cli.AssertContains(t, stdout, "effective_cwd="+c.Dir)
	cli.AssertContains(t, stdout, "dir="+c.DBDir())
	cli.AssertContains(t, stdout, "backend=flock")
	cli.AssertContains(t, stdout, "policy=standard")
	cli.AssertContains(t, stdout, "busy_timeout=forever")
	cli.AssertContains(t, stdout, "(defaults only)")
}

func Test_PrintConfig_Applies_Project_Config_And_Flags_When_Both_Set(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.WriteConfig(`{
		// shared by the team
		"policy": "write-hint",
		"busy_timeout_ms": 250,
	}`)

	stdout := c.MustRun("--backend", "memory", "print-config")

	cli.AssertContains(t, stdout, "backend=memory")
	cli.AssertContains(t, stdout, "policy=write-hint")
	cli.AssertContains(t, stdout, "busy_timeout=250ms")
	cli.AssertContains(t, stdout, "project_config="+filepath.Join(c.Dir, ".lockvfs.json"))
}

func Test_PrintConfig_Reads_Global_Config_When_XDG_Set(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	xdg := t.TempDir()

	if err := os.MkdirAll(filepath.Join(xdg, "lockvfs"), 0o750); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(xdg, "lockvfs", "config.json"), []byte(`{"policy": "none"}`), 0o600); err != nil {
		t.Fatal(err)
	}

	c.Env["XDG_CONFIG_HOME"] = xdg

	stdout := c.MustRun("print-config")

	cli.AssertContains(t, stdout, "policy=none")
	cli.AssertContains(t, stdout, "global_config="+filepath.Join(xdg, "lockvfs", "config.json"))
}

func Test_Init_Writes_Config_And_Refuses_Overwrite_Without_Force(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)

	stdout := c.MustRun("--policy", "standard-pending", "--busy-timeout", "100", "init")
	cli.AssertContains(t, stdout, "wrote "+filepath.Join(c.Dir, ".lockvfs.json"))

	data, err := os.ReadFile(filepath.Join(c.Dir, ".lockvfs.json"))
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("config is not JSON: %v\n%s", err, data)
	}

	if got["policy"] != "standard-pending" || got["busy_timeout_ms"] != float64(100) {
		t.Fatalf("config=%v, want policy=standard-pending busy_timeout_ms=100", got)
	}

	if _, err := os.Stat(c.DBDir()); err != nil {
		t.Fatalf("database dir not created: %v", err)
	}

	stderr := c.MustFail("init")
	cli.AssertContains(t, stderr, "config file already exists")

	c.MustRun("--policy", "none", "init", "--force")
	cli.AssertContains(t, c.MustRun("print-config"), "policy=none")
}
