package cli

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/querysession/internal/handler"
	"github.com/capitalize-ai/querysession/internal/llm"
	"github.com/capitalize-ai/querysession/internal/model"
)

// setupEnv points the client at an in-process analysis service and a
// temporary file store.
func setupEnv(t *testing.T) string {
	t.Helper()
	echo := llm.NewEchoResponder()
	echo.Replies["반도체 수출"] = "수출이 12% 증가했습니다."
	ts := httptest.NewServer(handler.NewServer(echo, handler.ServerConfig{}, nil).Router)
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	t.Setenv("SOCKET_URL", "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws")
	t.Setenv("STREAM_URL", ts.URL+"/api/stream")
	t.Setenv("STORAGE_BACKEND", "file")
	t.Setenv("STORAGE_PATH", dir)
	t.Setenv("LOG_FILE", filepath.Join(dir, "querysession.log"))
	t.Setenv("METRICS_ADDR", "")
	return dir
}

func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := NewRootCommandWithIO(strings.NewReader(stdin), &out, &errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func TestAskAndSessions(t *testing.T) {
	setupEnv(t)

	out, _, err := run(t, "", "ask", "반도체", "수출")
	require.NoError(t, err)
	assert.Equal(t, "수출이 12% 증가했습니다.\n", out)

	out, _, err = run(t, "", "ask", "--transport", "stream", "--json", "반도체 수출")
	require.NoError(t, err)
	var msg model.ChatMessage
	require.NoError(t, json.Unmarshal([]byte(out), &msg))
	assert.Equal(t, model.RoleAssistant, msg.Role)
	assert.Equal(t, "반도체 수출", msg.SourceQuery)

	out, _, err = run(t, "", "sessions", "list", "--json")
	require.NoError(t, err)
	var summaries []model.SessionSummary
	require.NoError(t, json.Unmarshal([]byte(out), &summaries))
	require.Len(t, summaries, 2)
	assert.Equal(t, "반도체 수출", summaries[0].Title)
	assert.Equal(t, 3, summaries[0].MessageCount)

	out, _, err = run(t, "", "sessions", "show", summaries[0].ID)
	require.NoError(t, err)
	assert.Contains(t, out, "you> 반도체 수출")
	assert.Contains(t, out, "assistant> 수출이 12% 증가했습니다.")

	out, _, err = run(t, "", "ask", "--session", summaries[0].ID, "반도체 수출")
	require.NoError(t, err)
	out, _, err = run(t, "", "sessions", "show", "--json", summaries[0].ID)
	require.NoError(t, err)
	var session model.ConversationSession
	require.NoError(t, json.Unmarshal([]byte(out), &session))
	assert.Equal(t, 5, session.MessageCount)

	_, _, err = run(t, "", "sessions", "delete", summaries[0].ID)
	require.NoError(t, err)
	out, _, err = run(t, "", "sessions", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, summaries[0].ID)
	assert.Contains(t, out, summaries[1].ID)

	_, _, err = run(t, "", "sessions", "show", "missing")
	assert.Error(t, err)
}

func TestChatCommands(t *testing.T) {
	setupEnv(t)

	out, _, err := run(t, "/help\n/cancel\n/retry\n/load\n/bogus\n/sessions\n/quit\n", "chat")
	require.NoError(t, err)
	assert.Contains(t, out, "Hi! Ask me anything")
	assert.Contains(t, out, "/retry        resubmit")
	assert.Contains(t, out, "nothing to cancel")
	assert.Contains(t, out, "nothing to retry")
	assert.Contains(t, out, "usage: /load <id>")
	assert.Contains(t, out, "unknown command /bogus")
	assert.Contains(t, out, "TITLE")
}

func TestInvalidConfiguration(t *testing.T) {
	setupEnv(t)

	_, _, err := run(t, "", "--transport", "carrier-pigeon", "sessions", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRANSPORT")

	_, _, err = run(t, "", "--storage", "memory", "sessions", "list")
	assert.NoError(t, err)
}
