package compose

import (
	"path/filepath"
	"testing"

	"github.com/harborctl/harborctl/internal/domain"
)

func TestValidStackName(t *testing.T) {
	cases := map[string]bool{
		"my-stack":   true,
		"my_stack_1": true,
		"ok123":      true,
		"":           false,
		"bad name":   false,
		"bad/name":   false,
		"bad.name":   false,
	}
	for name, want := range cases {
		if got := ValidStackName(name); got != want {
			t.Errorf("ValidStackName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestBuildArgvUp(t *testing.T) {
	argv := buildArgv("stack1", "/data/stacks/stack1/docker-compose.yml", OpUp, true)
	want := []string{"compose", "-p", "stack1", "-f", "/data/stacks/stack1/docker-compose.yml", "up", "-d", "--remove-orphans", "--force-recreate"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %v, want %v", argv, want)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
}

func TestBuildArgvDownOmitsForceRecreate(t *testing.T) {
	argv := buildArgv("stack1", "/path.yml", OpDown, true)
	for _, a := range argv {
		if a == "--force-recreate" {
			t.Fatalf("down should not carry --force-recreate: %v", argv)
		}
	}
}

func TestMergeEnvDBOverridesFile(t *testing.T) {
	file := map[string]string{"A": "file-a", "B": "file-b"}
	db := map[string]string{"A": "db-a"}
	merged := mergeEnv(file, db)
	if merged["A"] != "db-a" {
		t.Fatalf("expected db value to win, got %q", merged["A"])
	}
	if merged["B"] != "file-b" {
		t.Fatalf("expected file-only var to survive, got %q", merged["B"])
	}
}

func TestStackEnvVarsToMap(t *testing.T) {
	vars := []domain.StackEnvVar{
		{Key: "FOO", Value: "bar"},
		{Key: "BAZ", Value: "qux"},
	}
	m := stackEnvVarsToMap(vars)
	if m["FOO"] != "bar" || m["BAZ"] != "qux" {
		t.Fatalf("unexpected map: %+v", m)
	}
}

func TestSaveComposeFileCreateRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, nil, nil, nil, 0, 0)

	if err := e.SaveComposeFile("s1", []byte("services: {}\n"), true); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := e.SaveComposeFile("s1", []byte("services: {}\n"), true); err == nil {
		t.Fatalf("expected second create to fail")
	}
}

func TestSaveComposeFileUpdateRequiresExisting(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, nil, nil, nil, 0, 0)

	err := e.SaveComposeFile("s1", []byte("services: {}\n"), false)
	if err != domain.ErrComposeFileMissing {
		t.Fatalf("expected ErrComposeFileMissing, got %v", err)
	}
}

func TestSaveComposeFileRejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, nil, nil, nil, 0, 0)

	err := e.SaveComposeFile("s1", []byte("services: [this is not\n  valid"), true)
	if err == nil {
		t.Fatalf("expected invalid yaml to be rejected")
	}
}

func TestSaveComposeFileInvalidNameRejected(t *testing.T) {
	dir := t.TempDir()
	e := New(dir, nil, nil, nil, 0, 0)

	if err := e.SaveComposeFile("bad name", []byte("services: {}\n"), true); err == nil {
		t.Fatalf("expected invalid stack name to be rejected")
	}
}

func TestComposeFilePathLayout(t *testing.T) {
	e := New("/data", nil, nil, nil, 0, 0)
	got := e.composeFilePath("mystack")
	want := filepath.Join("/data", "stacks", "mystack", "docker-compose.yml")
	if got != want {
		t.Fatalf("composeFilePath = %q, want %q", got, want)
	}
}

func TestLockForReturnsSameMutexForSameName(t *testing.T) {
	e := New(t.TempDir(), nil, nil, nil, 0, 0)
	a := e.lockFor("s1")
	b := e.lockFor("s1")
	if a != b {
		t.Fatalf("expected same mutex instance for repeated lockFor calls")
	}
}

func TestDirectDockerHost(t *testing.T) {
	got := directDockerHost(domain.Transport{Host: "10.0.0.5", Port: 2376})
	if got != "tcp://10.0.0.5:2376" {
		t.Fatalf("directDockerHost = %q", got)
	}
}

