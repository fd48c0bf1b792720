package sshd_test

import (
	"context"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/gitreview/gitreviewd/internal/transport/sshd"
)

type recordingHandler struct {
	receivedProject, uploadedProject string
}

func (h *recordingHandler) ReceivePack(_ context.Context, project, _ string, _ io.Reader, stdout io.Writer) error {
	h.receivedProject = project
	_, err := stdout.Write([]byte("receive-pack ok"))
	return err
}

func (h *recordingHandler) UploadPack(_ context.Context, project, _ string, _ io.Reader, stdout io.Writer) error {
	h.uploadedProject = project
	_, err := stdout.Write([]byte("upload-pack ok"))
	return err
}

type fixedAuth struct{}

func (fixedAuth) Password(username, password string) (string, error) {
	if password != "secret" {
		return "", assert.AnError
	}
	return username, nil
}

func (fixedAuth) PublicKey(username string, _ ssh.PublicKey) (string, error) {
	return username, nil
}

func TestNew_generatesAndPersistsHostKey(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "host_key")
	handler := &recordingHandler{}

	_, err := sshd.New(sshd.Config{Host: "127.0.0.1", HostKeyPath: keyPath}, handler, nil, fixedAuth{}, nil)
	require.NoError(t, err)

	// A second Server constructed against the same path must load the
	// same key material rather than regenerating it.
	_, err = sshd.New(sshd.Config{Host: "127.0.0.1", HostKeyPath: keyPath}, handler, nil, fixedAuth{}, nil)
	require.NoError(t, err)
}

func TestListenAndServe_receivePackRoundTrip(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "host_key")
	handler := &recordingHandler{}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := sshd.New(sshd.Config{Host: "127.0.0.1", Port: mustPort(t, addr), HostKeyPath: keyPath}, handler, nil, fixedAuth{}, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	// Give the listener a moment to bind before dialing.
	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)

	clientConfig := &ssh.ClientConfig{
		User:            "alice",
		Auth:            []ssh.AuthMethod{ssh.Password("secret")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         2 * time.Second,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	require.NoError(t, err)
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	require.NoError(t, err)
	defer session.Close()

	out, err := session.Output("git-receive-pack 'demo.git'")
	require.NoError(t, err)
	assert.Equal(t, "receive-pack ok", string(out))
	assert.Equal(t, "demo", handler.receivedProject)

	cancel()
	<-done
}

type recordingCommandRunner struct {
	username string
	args     []string
}

func (r *recordingCommandRunner) Run(_ context.Context, username string, args []string, stdout io.Writer, _ time.Time) error {
	r.username = username
	r.args = args
	_, err := stdout.Write([]byte("Updated change 1, patch set 1\n"))
	return err
}

func TestListenAndServe_gerritCommandRoundTrip(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "host_key")
	handler := &recordingHandler{}
	cmds := &recordingCommandRunner{}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := sshd.New(sshd.Config{Host: "127.0.0.1", Port: mustPort(t, addr), HostKeyPath: keyPath}, handler, cmds, fixedAuth{}, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.ListenAndServe(ctx) }()

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)

	clientConfig := &ssh.ClientConfig{
		User:            "alice",
		Auth:            []ssh.AuthMethod{ssh.Password("secret")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         2 * time.Second,
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
	require.NoError(t, err)
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	require.NoError(t, err)
	defer session.Close()

	out, err := session.Output(`gerrit review 1 --label Code-Review=+2 --message "looks good"`)
	require.NoError(t, err)
	assert.Equal(t, "Updated change 1, patch set 1\n", string(out))
	assert.Equal(t, "alice", cmds.username)
	assert.Equal(t, []string{"review", "1", "--label", "Code-Review=+2", "--message", "looks good"}, cmds.args)

	cancel()
	<-done
}

func mustPort(t *testing.T, addr string) int {
	t.Helper()
	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}
