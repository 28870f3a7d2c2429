package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/sendme/session"
)

func TestConsoleSink(t *testing.T) {
	var out bytes.Buffer
	sink := consoleSink{out: &out}

	require.NoError(t, sink.Emit(session.EventConnected))
	require.NoError(t, sink.EmitPayload(session.EventMessage, `{"type":"text","content":"hi"}`))
	assert.Equal(t, "* peer connected\n< hi\n", out.String())

	assert.Error(t, sink.EmitPayload(session.EventMessage, `{"type":"bogus"}`))
}

func TestNodeWithoutSession(t *testing.T) {
	o := defaultOptions()
	o.HistoryDir = filepath.Join(t.TempDir(), "history")

	var out bytes.Buffer
	n, err := newNode(o, &out)
	require.NoError(t, err)
	defer n.close()

	assert.Nil(t, n.sender())
	assert.ErrorIs(t, n.send(context.Background(), session.Text{Content: "x"}), session.ErrNoActiveConnection)

	// Inbound events reach the console and the history store, tagged with the session.
	sink := n.sink().(session.SessionBinder).BindSession("session-1")
	require.NoError(t, sink.EmitPayload(session.EventMessage, `{"type":"file_accept","hash":"h"}`))
	assert.Equal(t, "< accepts h\n", out.String())

	entries, err := n.store.List(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, `{"type":"file_accept","hash":"h"}`, entries[0].Payload)
	assert.Equal(t, "session-1", entries[0].Session)
}
