// Package sshd implements the SSH half of the Transport Front: a
// golang.org/x/crypto/ssh server that accepts git-receive-pack and
// git-upload-pack commands, authenticates the session, and hands the
// command off to a Handler (the Receive or Upload Pipeline) wired in by
// the caller.
package sshd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"

	"github.com/gitreview/gitreviewd/internal/silog"
)

// commandPattern matches the SSH_ORIGINAL_COMMAND a Git client sends for
// both pack protocols, capturing the operation and the project name.
var commandPattern = regexp.MustCompile(`^git-(receive|upload)-pack\s+'?([^']+?)(?:\.git)?'?$`)

// Handler runs the Receive or Upload Pipeline for one accepted Git
// command. stdin carries the pack protocol request; stdout carries the
// response. It is the seam between this transport and the rest of the
// server.
type Handler interface {
	ReceivePack(ctx context.Context, project, username string, stdin io.Reader, stdout io.Writer) error
	UploadPack(ctx context.Context, project, username string, stdin io.Reader, stdout io.Writer) error
}

// CommandRunner runs a non-pack command — the Review Surface and
// Revision Ops' "gerrit <subcommand> ..." surface — parsed from the
// same SSH_ORIGINAL_COMMAND channel git-receive-pack and git-upload-pack
// arrive on. A nil CommandRunner disables the surface: such a command
// fails exactly like any other unrecognized command.
type CommandRunner interface {
	Run(ctx context.Context, username string, args []string, stdout io.Writer, now time.Time) error
}

// Authenticator authenticates an SSH session, returning the
// authenticated username to record against the session.
type Authenticator interface {
	Password(username, password string) (string, error)
	PublicKey(username string, key ssh.PublicKey) (string, error)
}

// Config configures the SSH listener.
type Config struct {
	Host                 string
	Port                 int
	HostKeyPath          string
	AnonymousReadEnabled bool
	IdleTimeout          time.Duration
	ReadTimeout          time.Duration
}

// Server is the SSH Transport Front.
type Server struct {
	cfg       Config
	handler   Handler
	cmds      CommandRunner
	auth      Authenticator
	log       *silog.Logger
	sshConfig *ssh.ServerConfig
}

// New constructs a Server, loading or generating the host key named by
// cfg.HostKeyPath. cmds may be nil, disabling the gerrit command
// surface.
func New(cfg Config, handler Handler, cmds CommandRunner, auth Authenticator, log *silog.Logger) (*Server, error) {
	if log == nil {
		log = silog.Nop()
	}

	hostKey, err := loadOrGenerateHostKey(cfg.HostKeyPath)
	if err != nil {
		return nil, fmt.Errorf("sshd: host key: %w", err)
	}

	sshConfig := &ssh.ServerConfig{
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if cfg.AnonymousReadEnabled && conn.User() == "anonymous" {
				return &ssh.Permissions{Extensions: map[string]string{"username": "anonymous"}}, nil
			}
			username, err := auth.Password(conn.User(), string(password))
			if err != nil {
				return nil, fmt.Errorf("sshd: authentication failed: %w", err)
			}
			return &ssh.Permissions{Extensions: map[string]string{"username": username}}, nil
		},
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			username, err := auth.PublicKey(conn.User(), key)
			if err != nil {
				return nil, fmt.Errorf("sshd: authentication failed: %w", err)
			}
			return &ssh.Permissions{Extensions: map[string]string{"username": username}}, nil
		},
	}
	sshConfig.AddHostKey(hostKey)

	return &Server{cfg: cfg, handler: handler, cmds: cmds, auth: auth, log: log, sshConfig: sshConfig}, nil
}

// ListenAndServe accepts connections until ctx is canceled, at which
// point it stops accepting and waits for in-flight sessions to finish.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("sshd: listen %s: %w", addr, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.log.Warn("sshd: accept failed", "error", err)
			continue
		}

		g.Go(func() error {
			s.handleConn(gctx, conn)
			return nil
		})
	}
	return g.Wait()
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if s.cfg.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		s.log.Debug("sshd: handshake failed", "error", err)
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	if s.cfg.IdleTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.cfg.IdleTimeout))
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}

	username := sshConn.Permissions.Extensions["username"]

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.log.Warn("sshd: accept channel failed", "error", err)
			continue
		}
		go s.handleSession(ctx, username, channel, requests)
	}
}

func (s *Server) handleSession(ctx context.Context, username string, channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			ssh.Unmarshal(req.Payload, &payload)
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			s.runCommand(ctx, username, payload.Command, channel)
			return
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

type exitStatusMsg struct {
	Status uint32
}

func (s *Server) runCommand(ctx context.Context, username, cmd string, channel ssh.Channel) {
	var err error
	switch {
	case commandPattern.MatchString(cmd):
		match := commandPattern.FindStringSubmatch(cmd)
		op, project := match[1], match[2]
		switch op {
		case "receive":
			err = s.handler.ReceivePack(ctx, project, username, channel, channel)
		case "upload":
			err = s.handler.UploadPack(ctx, project, username, channel, channel)
		}
	case s.cmds != nil && gerritCommandPattern.MatchString(cmd):
		args, splitErr := splitCommandLine(cmd)
		if splitErr != nil {
			fmt.Fprintf(channel.Stderr(), "fatal: %v\n", splitErr)
			_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&exitStatusMsg{Status: 1}))
			return
		}
		err = s.cmds.Run(ctx, username, args[1:], channel, time.Now())
	default:
		fmt.Fprintf(channel.Stderr(), "fatal: '%s' is not a valid Git command\n", cmd)
		_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&exitStatusMsg{Status: 1}))
		return
	}

	var status uint32
	if err != nil {
		fmt.Fprintf(channel.Stderr(), "fatal: %v\n", err)
		status = 1
	}
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(&exitStatusMsg{Status: status}))
}

// gerritCommandPattern recognizes the Review Surface/Revision Ops
// command surface: a line beginning with the literal word "gerrit".
var gerritCommandPattern = regexp.MustCompile(`^gerrit(\s|$)`)

// splitCommandLine tokenizes an SSH_ORIGINAL_COMMAND the way a POSIX
// shell would for the purposes this server's own commands need:
// whitespace-separated words, with single- or double-quoted segments
// kept intact so a --message "fixes the thing" argument survives as
// one token. There is no escape-character support beyond matching
// quotes, which is all real Gerrit's own ssh command lines ever need.
func splitCommandLine(cmd string) ([]string, error) {
	var args []string
	var cur strings.Builder
	var quote rune
	inWord := false

	flush := func() {
		if inWord {
			args = append(args, cur.String())
			cur.Reset()
			inWord = false
		}
	}

	for _, r := range cmd {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t':
			flush()
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote in command")
	}
	flush()
	return args, nil
}

// loadOrGenerateHostKey reads the host key at path, generating and
// persisting a new Ed25519 key if none exists yet.
func loadOrGenerateHostKey(path string) (ssh.Signer, error) {
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			return ssh.ParsePrivateKey(data)
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate host key: %w", err)
	}

	if path != "" {
		block, err := ssh.MarshalPrivateKey(priv, "gitreviewd host key")
		if err == nil {
			_ = os.WriteFile(path, pem.EncodeToMemory(block), 0o600)
		}
	}

	return ssh.NewSignerFromKey(priv)
}
