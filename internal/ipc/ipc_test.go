package ipc

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reviewd/internal/config"
	"reviewd/internal/manifest"
	"reviewd/internal/region"
	"reviewd/internal/tracker"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Magic:     ProtocolMagic,
		Version:   ProtocolVersion,
		Type:      MsgDocEdit,
		RequestID: 42,
		Length:    128,
	}

	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))
	assert.Equal(t, HeaderSize, buf.Len())

	got, err := ReadHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, h, *got)
}

func TestMessageRoundTrip(t *testing.T) {
	payload, err := Encode(&DocEditRequest{
		Path: "src/a.go",
		Changes: []EditChange{
			{StartLine: 3, EndLine: 5, InsertedText: "x\ny"},
		},
		TimestampNs: 1234,
	})
	require.NoError(t, err)

	msg := NewMessage(MsgDocEdit, 7, payload)
	var buf bytes.Buffer
	require.NoError(t, msg.Write(&buf))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgDocEdit, got.Header.Type)
	assert.Equal(t, uint32(7), got.Header.RequestID)

	var req DocEditRequest
	require.NoError(t, Decode(got.Payload, &req))
	assert.Equal(t, "src/a.go", req.Path)
	require.Len(t, req.Changes, 1)
	assert.Equal(t, 3, req.Changes[0].StartLine)
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	h := Header{Magic: 0xDEADBEEF, Version: ProtocolVersion, Type: MsgPing}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))

	_, err := ReadHeader(&buf)
	assert.Error(t, err)
}

func TestReadHeaderRejectsFutureVersion(t *testing.T) {
	h := Header{Magic: ProtocolMagic, Version: ProtocolVersion + 1, Type: MsgPing}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))

	_, err := ReadHeader(&buf)
	assert.Error(t, err)
}

func TestReadMessageRejectsOversizedPayload(t *testing.T) {
	h := Header{Magic: ProtocolMagic, Version: ProtocolVersion, Type: MsgPing, Length: MaxPayload + 1}
	var buf bytes.Buffer
	require.NoError(t, h.Write(&buf))

	_, err := ReadMessage(&buf)
	assert.Error(t, err)
}

// End-to-end: daemon handler behind a real unix-socket server, driven by
// the client.

type daemonFixture struct {
	server *Server
	socket string
	store  *region.Store
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startDaemon(t *testing.T) *daemonFixture {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	st := region.NewStore()
	gate, err := manifest.OpenGate(filepath.Join(root, "manifest.json"), root, discardLogger())
	require.NoError(t, err)

	trk := tracker.New(cfg, st, gate, discardLogger())

	handler := NewDaemonHandler(HandlerOptions{
		Daemon:  trk,
		Regions: st,
		Gate:    gate,
		Config:  cfg,
		Log:     discardLogger(),
		Version: "test",
	})

	socket := filepath.Join(t.TempDir(), "daemon.sock")
	srv := NewServer(socket, handler, discardLogger())
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		srv.Stop()
		trk.Stop()
	})

	return &daemonFixture{server: srv, socket: socket, store: st}
}

func dialDaemon(t *testing.T, f *daemonFixture, opts ...ClientOption) *Client {
	t.Helper()
	c, err := Dial(f.socket, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func bigPaste(n int) string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("generated line %d", i)
	}
	return strings.Join(lines, "\n")
}

func TestClientPing(t *testing.T) {
	f := startDaemon(t)
	c := dialDaemon(t, f)
	require.NoError(t, c.Ping())
}

func TestEditFlowOverIPC(t *testing.T) {
	f := startDaemon(t)
	c := dialDaemon(t, f)

	base := make([]string, 40)
	for i := range base {
		base[i] = fmt.Sprintf("typed line %d", i)
	}
	require.NoError(t, c.DocOpen("a.go", strings.Join(base, "\n")))
	require.NoError(t, c.DocEdit("a.go", []EditChange{
		{StartLine: 10, EndLine: 10, InsertedText: "typed line 10\n" + bigPaste(25)},
	}, time.Now()))

	regions, err := c.Regions("a.go")
	require.NoError(t, err)
	require.Len(t, regions.Documents["a.go"], 1)
	assert.Equal(t, 10, regions.Documents["a.go"][0].StartLine)
	assert.Equal(t, 35, regions.Documents["a.go"][0].EndLine)

	// Dismiss part of it over IPC.
	require.NoError(t, c.Dismiss("a.go", 20, 22))
	regions, err = c.Regions("a.go")
	require.NoError(t, err)
	assert.Len(t, regions.Documents["a.go"], 2)

	require.NoError(t, c.DismissAll("a.go"))
	regions, err = c.Regions("a.go")
	require.NoError(t, err)
	assert.Empty(t, regions.Documents)
}

func TestStatusOverIPC(t *testing.T) {
	f := startDaemon(t)
	c := dialDaemon(t, f)

	require.NoError(t, c.DocOpen("a.go", "x"))
	require.NoError(t, c.DocOpen("b.go", "y"))

	status, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, "test", status.Version)
	assert.Equal(t, []string{"a.go", "b.go"}, status.OpenDocuments)
}

func TestConfigOverIPC(t *testing.T) {
	f := startDaemon(t)
	c := dialDaemon(t, f)

	cfg, err := c.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, 20, cfg.MinPasteLines)

	cfg.MinPasteLines = 5
	require.NoError(t, c.SetConfig(cfg))

	got, err := c.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, 5, got.MinPasteLines)

	// Invalid thresholds are rejected and leave the old values.
	cfg.MinPasteLines = 0
	assert.Error(t, c.SetConfig(cfg))
	got, err = c.GetConfig()
	require.NoError(t, err)
	assert.Equal(t, 5, got.MinPasteLines)
}

func TestEventStream(t *testing.T) {
	f := startDaemon(t)

	var mu sync.Mutex
	var events []*Event
	listener := dialDaemon(t, f, WithEventHandler(func(ev *Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))
	require.NoError(t, listener.Subscribe())
	go listener.Listen()

	f.server.Broadcast(&Event{
		Path:    "a.go",
		Regions: []RegionInfo{{ID: 1, StartLine: 0, EndLine: 10}},
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "a.go", events[0].Path)
	require.Len(t, events[0].Regions, 1)
	assert.Equal(t, 10, events[0].Regions[0].EndLine)
}

func TestUnknownMessageType(t *testing.T) {
	f := startDaemon(t)
	c := dialDaemon(t, f)

	_, err := c.request(MessageType(0x7777), nil)
	assert.Error(t, err)
}
