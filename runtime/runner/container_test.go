package runner

import (
	"context"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reconflow/reconflow/component"
	"github.com/reconflow/reconflow/rferr"
	"github.com/reconflow/reconflow/runtime/execctx"
)

// fakeDocker scripts docker CLI outcomes per subcommand.
type fakeDocker struct {
	calls   [][]string
	stdins  [][]byte
	results map[string]fakeResult
}

type fakeResult struct {
	stdout   string
	stderr   string
	exitCode int
}

func (f *fakeDocker) Run(_ context.Context, args []string, stdin []byte) ([]byte, []byte, int, error) {
	f.calls = append(f.calls, args)
	f.stdins = append(f.stdins, stdin)
	key := args[0]
	if key == "run" {
		// Distinguish the seed container from the tool container by image.
		key = "run:tool"
		for _, a := range args {
			if a == seedImage {
				key = "run:seed"
				break
			}
		}
	}
	res := f.results[key]
	return []byte(res.stdout), []byte(res.stderr), res.exitCode, nil
}

type recordingTrace struct {
	levels   []string
	messages []string
}

func (r *recordingTrace) Append(_ context.Context, level, message string, _ map[string]any) error {
	r.levels = append(r.levels, level)
	r.messages = append(r.messages, message)
	return nil
}

func containerDef() *component.Definition {
	return &component.Definition{
		ID: "recon.subfinder",
		Runner: component.Runner{Kind: component.RunnerContainer, Container: &component.ContainerRunner{
			Image:   "projectdiscovery/subfinder:latest",
			Command: []string{"-d", "example.com", "-oJ"},
			Env:     map[string]string{"B_VAR": "2", "A_VAR": "1"},
		}},
	}
}

func TestContainerSuccessParsesJSONStdout(t *testing.T) {
	docker := &fakeDocker{results: map[string]fakeResult{
		"run:tool": {stdout: `{"hosts":["a.example.com"]}`},
	}}
	r := New(Options{Docker: docker})

	ec := execctx.New("run-1", "n1", nil)
	ec.OrganizationID = "org-1"
	res, err := r.Execute(context.Background(), ec, Request{Definition: containerDef()})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"hosts": []any{"a.example.com"}}, res.Output)

	// volume create, seed, run, volume rm
	require.Len(t, docker.calls, 4)
	assert.Equal(t, "volume", docker.calls[0][0])
	assert.Contains(t, strings.Join(docker.calls[1], " "), "input.json")
	assert.JSONEq(t, "{}", string(docker.stdins[1]))
	assert.Equal(t, []string{"volume", "rm", "-f", docker.calls[0][2]}, docker.calls[3])

	// Env flags come out sorted.
	runLine := strings.Join(docker.calls[2], " ")
	assert.Less(t, strings.Index(runLine, "A_VAR=1"), strings.Index(runLine, "B_VAR=2"))
}

func TestContainerPartialSuccessKeepsOutput(t *testing.T) {
	docker := &fakeDocker{results: map[string]fakeResult{
		"run:tool": {stdout: "a.example.com\nb.example.com", stderr: "target reset connection", exitCode: 1},
	}}
	r := New(Options{Docker: docker})

	trace := &recordingTrace{}
	ec := execctx.New("run-1", "n1", nil)
	ec.Trace = trace
	res, err := r.Execute(context.Background(), ec, Request{Definition: containerDef()})
	require.NoError(t, err)
	assert.Equal(t, "a.example.com\nb.example.com", res.Output["stdout"])
	require.Len(t, trace.levels, 1)
	assert.Equal(t, "warn", trace.levels[0])
}

func TestContainerEmptyStdoutFails(t *testing.T) {
	docker := &fakeDocker{results: map[string]fakeResult{
		"run:tool": {stderr: "no such host", exitCode: 2},
	}}
	// ContainerError is retryable; bound the loop to one attempt.
	def := containerDef()
	def.Retry = component.RetryPolicy{MaxAttempts: 1}
	r := New(Options{Docker: docker})

	_, err := r.Execute(context.Background(), execctx.New("run-1", "n1", nil), Request{Definition: def})
	require.Error(t, err)
	assert.True(t, rferr.IsKind(err, rferr.KindContainer))
	var rfe *rferr.Error
	require.ErrorAs(t, err, &rfe)
	assert.Equal(t, 2, rfe.Fields["exitCode"])
	assert.Equal(t, "no such host", rfe.Fields["stderr"])
}

func TestVolumeNameIsDockerSafe(t *testing.T) {
	name, err := volumeName("org:acme/corp", "run 1")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^rf-org-acme-corp-run-1-[0-9a-f]{8}$`), name)
}

func TestShellWrapperUsesScript(t *testing.T) {
	spec := &component.ContainerRunner{
		Image:      "tool:latest",
		Entrypoint: "nmap",
		Command:    []string{"-sV", "example.com"},
		Shell:      true,
	}
	args := runArgs("vol", spec)
	line := strings.Join(args, " ")
	assert.Contains(t, line, "--entrypoint /bin/sh")
	assert.Contains(t, line, "script -qec 'nmap -sV example.com' /dev/null")
}

func TestShellWrapperEscapesEmbeddedQuotes(t *testing.T) {
	spec := &component.ContainerRunner{
		Image:      "tool:latest",
		Entrypoint: "grep",
		Command:    []string{"-e", "it's' ; rm -rf /tmp ; echo '", "input.txt"},
		Shell:      true,
	}
	args := runArgs("vol", spec)
	wrapper := args[len(args)-1]

	// Every embedded quote is escaped, so the wrapper's quoting stays intact.
	inner := strings.TrimSuffix(strings.TrimPrefix(wrapper, "script -qec "), " /dev/null")
	require.True(t, strings.HasPrefix(inner, "'"))
	require.True(t, strings.HasSuffix(inner, "'"))
	body := inner[1 : len(inner)-1]
	assert.NotContains(t, strings.ReplaceAll(body, `'\''`, ""), "'")
}
